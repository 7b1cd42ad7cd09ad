package notify

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"text/template"
)

// DefaultIcon is shown for background notifications that carry no icon.
const DefaultIcon = "/default-icon.png"

//go:embed sw.js.tmpl
var workerSource string

var workerTemplate = template.Must(template.New("sw").Parse(workerSource))

// WebConfig is the browser side Firebase configuration.
type WebConfig struct {
	APIKey            string `json:"apiKey"`
	AuthDomain        string `json:"authDomain"`
	ProjectID         string `json:"projectId"`
	StorageBucket     string `json:"storageBucket,omitempty"`
	MessagingSenderID string `json:"messagingSenderId"`
	AppID             string `json:"appId"`
	MeasurementID     string `json:"measurementId,omitempty"`
}

// RenderWorker returns the firebase-messaging-sw.js script for cfg. An empty
// icon falls back to DefaultIcon.
func RenderWorker(cfg WebConfig, icon string) ([]byte, error) {
	if icon == "" {
		icon = DefaultIcon
	}
	rawCfg, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	rawIcon, err := json.Marshal(icon)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = workerTemplate.Execute(&buf, map[string]string{
		"Config": string(rawCfg),
		"Icon":   string(rawIcon),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

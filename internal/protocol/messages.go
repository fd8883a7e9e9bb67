// Package protocol decodes inbound kit-server commands, dispatches them, and
// encodes the replies and unsolicited events flowing back. Field names follow
// the kit server wire conventions.
package protocol

import (
	"strings"
	"time"

	"github.com/tri2510/uda-deployment-agent/internal/registry"
)

// Supported command kinds.
const (
	CmdGetRuntimeInfo = "get-runtime-info"
	CmdDeployRequest  = "deploy_request"
	CmdDeployAndRun   = "deploy_n_run"
	CmdRunPythonApp   = "run_python_app"
	CmdStopPythonApp  = "stop_python_app"
)

// Channel event names.
const (
	EventToKit        = "messageToKit"
	EventKitReply     = "messageToKit-kitReply"
	EventRegisterKit  = "register_kit"
	EventAppOutput    = "app_output"
	EventAppStatus    = "app_status_changed"
	EventHeartbeat    = "runtime_heartbeat"
	EventRuntimeState = "report-runtime-state"
)

// BroadcastKitID addresses every runtime on the channel.
const BroadcastKitID = "*"

// Prototype carries the optional app entry-point hint.
type Prototype struct {
	Name string `json:"name"`
}

// Command is the inbound command envelope.
type Command struct {
	Cmd           string     `json:"cmd"`
	RequestFrom   string     `json:"request_from"`
	ToKitID       string     `json:"to_kit_id"`
	Name          string     `json:"name"`
	Code          string     `json:"code"`
	ConvertedCode string     `json:"convertedCode"`
	Prototype     *Prototype `json:"prototype,omitempty"`
}

// Payload returns the code payload, preferring convertedCode over code.
func (c *Command) Payload() string {
	if strings.TrimSpace(c.ConvertedCode) != "" {
		return c.ConvertedCode
	}
	return c.Code
}

// Reply is the outbound response envelope. isDone=false marks progress,
// isDone=true the single terminal reply of a command.
type Reply struct {
	KitID       string `json:"kit_id"`
	RequestFrom string `json:"request_from"`
	Cmd         string `json:"cmd"`
	Data        string `json:"data"`
	Result      string `json:"result"`
	IsDone      bool   `json:"isDone"`
	Code        int    `json:"code"`
	Token       string `json:"token,omitempty"`
}

// AppInfo is one deployment in inventory listings.
type AppInfo struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// RuntimeInfo is the get-runtime-info result payload.
type RuntimeInfo struct {
	RuntimeID   string    `json:"runtime_id"`
	RuntimeName string    `json:"runtime_name"`
	Status      string    `json:"status"`
	Apps        []AppInfo `json:"apps"`
}

// RegisterKit announces this runtime after every (re)connect.
type RegisterKit struct {
	KitID        string    `json:"kit_id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Platform     string    `json:"platform"`
	Capabilities []string  `json:"capabilities"`
	SupportAPIs  []string  `json:"support_apis"`
	Version      string    `json:"version"`
	Desc         string    `json:"desc"`
	Apps         []AppInfo `json:"apps"`
}

// Heartbeat is the periodic liveness announcement.
type Heartbeat struct {
	KitID      string    `json:"kit_id"`
	Timestamp  time.Time `json:"timestamp"`
	NoOfRunner int       `json:"noOfRunner"`
	Apps       []AppInfo `json:"apps"`
}

// OutputEvent is one relayed line of app output.
type OutputEvent struct {
	KitID     string    `json:"kit_id"`
	App       string    `json:"app"`
	Stream    string    `json:"stream"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusEvent announces a lifecycle transition of an app.
type StatusEvent struct {
	KitID     string             `json:"kit_id"`
	App       string             `json:"app"`
	Status    string             `json:"status"`
	PID       int                `json:"pid,omitempty"`
	Exit      *registry.ExitInfo `json:"exit,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

func appInfos(records []registry.Record) []AppInfo {
	out := make([]AppInfo, 0, len(records))
	for _, r := range records {
		out = append(out, AppInfo{
			Name:      r.Name,
			Status:    string(r.Status),
			PID:       r.PID,
			StartedAt: r.StartedAt,
		})
	}
	return out
}

package processor

import (
	"context"

	"github.com/rickgao/onebot-relay/internal/model"
	"github.com/rickgao/onebot-relay/internal/version"
)

// ProtocolVersion is the OneBot protocol revision the relay speaks.
const ProtocolVersion = "v11"

// Built-in actions answered by the relay itself.
const (
	ActionGetStatus      = "get_status"
	ActionGetVersionInfo = "get_version_info"
)

// StatusFunc reports extra runtime statistics for get_status.
type StatusFunc func() map[string]any

// RegisterBuiltins installs get_status and get_version_info on mux.
func RegisterBuiltins(mux *Mux, status StatusFunc) {
	mux.HandleFunc(ActionGetStatus, func(ctx context.Context, req model.Request) model.Response {
		data := map[string]any{
			"online": true,
			"good":   true,
		}
		if status != nil {
			data["stat"] = status()
		}
		return model.OK(data)
	})

	mux.HandleFunc(ActionGetVersionInfo, func(ctx context.Context, req model.Request) model.Response {
		return model.OK(map[string]any{
			"app_name":         version.AppName,
			"app_version":      version.Version,
			"app_full_version": version.String(),
			"protocol_version": ProtocolVersion,
		})
	})
}

package signal

import (
	"encoding/json"

	"github.com/dkeye/callhub/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handlePing(
	conn *WsSignalConn,
) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}

func (ctl *SignalWSController) handleWhoAmI(
	uid domain.UserID,
	conn *WsSignalConn,
) {
	p, _ := ctl.Orch.Directory.Participant(uid)
	resp := struct {
		Type    string        `json:"type"`
		ID      domain.UserID `json:"id"`
		Name    string        `json:"name"`
		Devices int           `json:"devices"`
	}{
		Type:    "whoami",
		ID:      uid,
		Name:    p.Name,
		Devices: ctl.Orch.Directory.Devices(uid),
	}
	ctl.sendJSON(conn, resp)
}

func (ctl *SignalWSController) handleRename(
	uid domain.UserID,
	conn *WsSignalConn,
	data []byte,
) {
	type renamePayload struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	var p renamePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad rename payload")
		ctl.sendJSON(conn, map[string]any{"type": "error", "error": "bad_payload"})
		return
	}
	current, ok := ctl.Orch.Directory.Participant(uid)
	if !ok {
		return
	}
	renamed, err := current.WithName(p.Name)
	if err != nil {
		ctl.sendJSON(conn, map[string]any{"type": "error", "error": "invalid_name"})
		return
	}
	log.Info().Str("module", "signal").Str("user", string(uid)).Str("name", p.Name).Msg("rename")
	ctl.Orch.Directory.Register(renamed, conn)
	ctl.handleWhoAmI(uid, conn)
}

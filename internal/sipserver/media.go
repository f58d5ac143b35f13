package sipserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"SirenServer/internal/logger"
)

// MediaGateway drives recording and call routing on the media gateway over SIP INFO.
// With no gateway configured it only logs, which is enough for local runs.
type MediaGateway struct {
	s       *Server
	uri     sip.Uri
	enabled bool
}

type mediaCommand struct {
	Action     string `json:"action"`
	SessionId  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	StorageRef string `json:"storage_ref,omitempty"`
}

type mediaReply struct {
	StorageRef string `json:"storage_ref"`
}

func NewMediaGateway(s *Server, rawURI string) (*MediaGateway, error) {
	m := &MediaGateway{s: s}
	if rawURI == "" {
		return m, nil
	}
	if err := sip.ParseUri(rawURI, &m.uri); err != nil {
		return nil, fmt.Errorf("media gateway uri: %w", err)
	}
	m.enabled = true
	return m, nil
}

func (m *MediaGateway) StartRecording(ctx context.Context, sessionID string) (string, error) {
	res, err := m.command(ctx, mediaCommand{Action: "record_start", SessionId: sessionID})
	if err != nil {
		return "", err
	}
	if res == nil {
		return "local/" + sessionID + ".wav", nil
	}

	var reply mediaReply
	if body := res.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &reply); err != nil {
			return "", fmt.Errorf("record_start reply: %w", err)
		}
	}
	if reply.StorageRef == "" {
		reply.StorageRef = "recordings/" + sessionID + ".wav"
	}
	return reply.StorageRef, nil
}

func (m *MediaGateway) StopRecording(ctx context.Context, sessionID, storageRef string) error {
	_, err := m.command(ctx, mediaCommand{Action: "record_stop", SessionId: sessionID, StorageRef: storageRef})
	return err
}

func (m *MediaGateway) Retarget(ctx context.Context, fromSessionID, toSessionID string) error {
	_, err := m.command(ctx, mediaCommand{Action: "retarget", SessionId: fromSessionID, Target: toSessionID})
	return err
}

func (m *MediaGateway) Disconnect(ctx context.Context, sessionID string) error {
	_, err := m.command(ctx, mediaCommand{Action: "disconnect", SessionId: sessionID})
	return err
}

// command returns a nil response when no gateway is configured.
func (m *MediaGateway) command(ctx context.Context, cmd mediaCommand) (*sip.Response, error) {
	log := logger.Session(cmd.SessionId).WithFields(logrus.Fields{
		"action": cmd.Action,
		"target": cmd.Target,
	})
	if !m.enabled {
		log.Info("[MEDIA] no gateway, command logged only")
		return nil, nil
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	res, err := m.s.send(ctx, m.s.newRequest(sip.INFO, m.uri, "", body))
	if err != nil {
		log.WithError(err).Error("[MEDIA] command failed")
		return nil, err
	}
	if res.StatusCode >= 300 {
		log.WithField("code", res.StatusCode).Error("[MEDIA] command rejected")
		return nil, fmt.Errorf("%s: gateway answered %d", cmd.Action, res.StatusCode)
	}
	return res, nil
}

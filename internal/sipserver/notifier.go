package sipserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"SirenServer/internal/entity"
	"SirenServer/internal/logger"
	"SirenServer/internal/registrar"
)

var ErrReaderUnreachable = errors.New("reader has no live SIP binding")

// Siren is the MESSAGE body pushed to readers and admins.
type Siren struct {
	Type      string `json:"type"`
	SessionId string `json:"session_id"`
	Level     int    `json:"level"`
}

func (s *Server) Siren(ctx context.Context, sessionID, readerID string, level entity.EscalationLevel) error {
	b, ok := s.reg.Get(s.loginFor(readerID))
	if !ok {
		return fmt.Errorf("siren %s: %w", readerID, ErrReaderUnreachable)
	}
	return s.push(ctx, b, Siren{Type: "siren", SessionId: sessionID, Level: int(level)})
}

func (s *Server) NotifyAdmins(ctx context.Context, sessionID string, adminIDs []string) error {
	var errs []error
	reached := 0
	for _, id := range adminIDs {
		b, ok := s.reg.Get(s.loginFor(id))
		if !ok {
			errs = append(errs, fmt.Errorf("admin %s: %w", id, ErrReaderUnreachable))
			continue
		}
		msg := Siren{Type: "admin", SessionId: sessionID, Level: int(entity.LevelAdmin)}
		if err := s.push(ctx, b, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		reached++
	}
	if reached > 0 {
		return nil
	}
	if len(errs) == 0 {
		return fmt.Errorf("no admins configured: %w", ErrReaderUnreachable)
	}
	return errors.Join(errs...)
}

// Broadcast sends the session to every live binding.
func (s *Server) Broadcast(ctx context.Context, sessionID string) error {
	bindings := s.reg.All()
	if len(bindings) == 0 {
		return ErrReaderUnreachable
	}

	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	g.SetLimit(8)
	msg := Siren{Type: "broadcast", SessionId: sessionID, Level: int(entity.LevelBroadcast)}
	for _, b := range bindings {
		g.Go(func() error {
			if err := s.push(ctx, b, msg); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if int(failed.Load()) == len(bindings) {
		return fmt.Errorf("broadcast %s: %w", sessionID, ErrReaderUnreachable)
	}
	return nil
}

func (s *Server) push(ctx context.Context, b registrar.ContactBinding, msg Siren) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req := s.newRequest(sip.MESSAGE, b.Contact, b.Source, body)

	log := logger.Session(msg.SessionId).WithFields(logrus.Fields{
		"login": b.Login,
		"type":  msg.Type,
	})
	res, err := s.send(ctx, req)
	if err != nil {
		log.WithError(err).Warn("[SIREN] delivery failed")
		return err
	}
	if res.StatusCode >= 300 {
		log.WithField("code", res.StatusCode).Warn("[SIREN] rejected")
		return fmt.Errorf("siren to %s: status %d", b.Login, res.StatusCode)
	}
	log.Debug("[SIREN] delivered")
	return nil
}

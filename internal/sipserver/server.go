package sipserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"SirenServer/internal/entity"
	"SirenServer/internal/logger"
	"SirenServer/internal/metrics"
	"SirenServer/internal/registrar"
)

// Readers is the directory view the SIP side needs.
type Readers interface {
	Get(readerID string) (entity.Reader, bool)
	List() []entity.Reader
}

// Responder receives a reader's answer to a siren.
type Responder interface {
	AcceptAsReader(ctx context.Context, sessionID, readerID string) (*entity.CallSession, error)
	DeclineAsReader(ctx context.Context, sessionID, readerID string) error
}

type Server struct {
	srv       *sipgo.Server
	cli       *sipgo.Client
	reg       *registrar.Registrar
	readers   Readers
	responder Responder

	publicHost string
	publicPort int
}

// Answer is the JSON body of a reader's MESSAGE.
type Answer struct {
	Action    string `json:"action"`
	SessionId string `json:"session_id"`
}

func New(
	ua *sipgo.UserAgent,
	reg *registrar.Registrar,
	publicHost string,
	publicPort int,
) (*Server, error) {
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, err
	}

	cli, err := sipgo.NewClient(
		ua,
		sipgo.WithClientHostname(publicHost),
		sipgo.WithClientPort(publicPort),
	)
	if err != nil {
		return nil, err
	}

	s := &Server{
		srv:        srv,
		cli:        cli,
		reg:        reg,
		publicHost: publicHost,
		publicPort: publicPort,
	}

	srv.OnRegister(s.onRegister)
	srv.OnMessage(s.onMessage)
	srv.OnNoRoute(func(req *sip.Request, tx sip.ServerTransaction) {
		x := receive(req, tx)
		defer x.close()
		x.reply(sip.StatusMethodNotAllowed, "Method Not Allowed")
	})

	return s, nil
}

// Bind attaches the reader directory and the engine. The engine is built after the server, which is its notifier.
func (s *Server) Bind(readers Readers, responder Responder) {
	s.readers = readers
	s.responder = responder
}

func (s *Server) ListenAndServe(ctx context.Context, network, addr string) error {
	return s.srv.ListenAndServe(ctx, network, addr)
}

func (s *Server) onRegister(req *sip.Request, tx sip.ServerTransaction) {
	x := receive(req, tx)
	defer x.close()

	if s.readers == nil {
		x.reply(sip.StatusServiceUnavailable, "Service Unavailable")
		return
	}

	from := req.From()
	contact := req.Contact()
	if from == nil || contact == nil {
		x.reply(sip.StatusBadRequest, "Bad Request")
		return
	}

	login := strings.TrimSpace(from.Address.User)
	if login == "" {
		x.reply(sip.StatusBadRequest, "Bad Request")
		return
	}

	if _, ok := s.readerByLogin(login); !ok {
		logger.Log.WithField("login", login).Warn("[REGISTER] unknown reader")
		x.reply(sip.StatusNotFound, "Not Found")
		return
	}

	src := req.Source()
	binding := contact.Address
	if reachable, ok := makeReachableContact(login, src); ok {
		binding = reachable
	}
	s.reg.Put(login, binding, src, 60*time.Second)
	metrics.SIPRegistrations.Set(float64(s.reg.Len()))

	logger.Log.WithFields(logrus.Fields{
		"login":   login,
		"contact": binding.String(),
		"source":  src,
	}).Info("[REGISTER] bound")
	x.reply(sip.StatusOK, "OK")
}

// onMessage takes a reader's accept or decline for a siren.
func (s *Server) onMessage(req *sip.Request, tx sip.ServerTransaction) {
	x := receive(req, tx)
	defer x.close()

	if s.readers == nil || s.responder == nil {
		x.reply(sip.StatusServiceUnavailable, "Service Unavailable")
		return
	}
	from := req.From()
	if from == nil {
		x.reply(sip.StatusBadRequest, "Bad Request")
		return
	}
	reader, ok := s.readerByLogin(strings.TrimSpace(from.Address.User))
	if !ok {
		x.reply(sip.StatusForbidden, "Forbidden")
		return
	}

	var ans Answer
	if err := json.Unmarshal(req.Body(), &ans); err != nil || ans.SessionId == "" {
		x.reply(sip.StatusBadRequest, "Bad Request")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log := logger.Session(ans.SessionId).WithFields(logrus.Fields{"reader_id": reader.Id, "action": ans.Action})
	var err error
	switch ans.Action {
	case "accept":
		_, err = s.responder.AcceptAsReader(ctx, ans.SessionId, reader.Id)
	case "decline":
		err = s.responder.DeclineAsReader(ctx, ans.SessionId, reader.Id)
	default:
		x.reply(sip.StatusBadRequest, "Bad Request")
		return
	}

	code, reason := answerStatus(err)
	if err != nil {
		log.WithError(err).Info("[MESSAGE] answer refused")
	} else {
		log.Info("[MESSAGE] answer taken")
	}
	x.reply(code, reason)
}

func answerStatus(err error) (int, string) {
	switch {
	case err == nil:
		return sip.StatusOK, "OK"
	case errors.Is(err, entity.ErrSessionNotFound), errors.Is(err, entity.ErrUnknownReader):
		return sip.StatusNotFound, "Not Found"
	case errors.Is(err, entity.ErrAlreadyAccepted), errors.Is(err, entity.ErrReaderBusy):
		return sip.StatusBusyHere, "Busy Here"
	case errors.Is(err, entity.ErrDeclineNotAllowed), errors.Is(err, entity.ErrReaderNotOffered):
		return sip.StatusForbidden, "Forbidden"
	case errors.Is(err, entity.ErrInvalidTransition):
		return sip.StatusRequestTerminated, "Request Terminated"
	default:
		return sip.StatusInternalServerError, "Server Internal Error"
	}
}

func (s *Server) readerByLogin(login string) (entity.Reader, bool) {
	if login == "" {
		return entity.Reader{}, false
	}
	for _, r := range s.readers.List() {
		if r.Login == login {
			return r, true
		}
	}
	return entity.Reader{}, false
}

// loginFor resolves a reader id to its SIP login. Ids that are not in the directory are taken as logins.
func (s *Server) loginFor(id string) string {
	if s.readers == nil {
		return id
	}
	if r, ok := s.readers.Get(id); ok {
		return r.Login
	}
	return id
}

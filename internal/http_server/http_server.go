package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"SirenServer/internal/availability"
	"SirenServer/internal/entity"
	"SirenServer/internal/extension"
	"SirenServer/internal/logger"
	"SirenServer/internal/repository/user"
	"SirenServer/internal/usecase"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

var errBadTime = errors.New("at must be an RFC3339 timestamp")

// Engine is the session engine as the HTTP surface sees it.
type Engine interface {
	usecase.SessionSource
	Sessions(ctx context.Context) ([]*entity.CallSession, error)
	Request(ctx context.Context, clientID string) (*entity.CallSession, error)
	AcceptAsReader(ctx context.Context, sessionID, readerID string) (*entity.CallSession, error)
	DeclineAsReader(ctx context.Context, sessionID, readerID string) error
	StartSession(ctx context.Context, sessionID string) (*entity.CallSession, error)
	RecordConsent(ctx context.Context, rec entity.ConsentRecord) (string, error)
	TransportLost(ctx context.Context, sessionID string) error
	TransportRestored(ctx context.Context, sessionID string) error
	ReportRecordingFailure(ctx context.Context, sessionID, cause string) error
	RequestExtension(ctx context.Context, sessionID string) (extension.Token, error)
	ApproveExtension(ctx context.Context, token, approverID string) (extension.Token, error)
	Commit(ctx context.Context, token string, result extension.PaymentResult) (string, error)
}

type HttpServer struct {
	engine        Engine
	readerUsecase *usecase.ReaderUsecase
	auditUsecase  *usecase.AuditUsecase
	validator     *validator.Validate
	now           func() time.Time
}

type CreateSessionRequest struct {
	ClientId string `json:"client_id" validate:"required,max=128"`
}

type ReaderActionRequest struct {
	ReaderId string `json:"reader_id" validate:"required"`
}

type ConsentRequest struct {
	SubjectId   string `json:"subject_id" validate:"required,max=128"`
	ConsentType string `json:"consent_type" validate:"required,oneof=participation recording extension"`
	Granted     *bool  `json:"granted" validate:"required"`
}

type RecordingFailureRequest struct {
	Cause string `json:"cause" validate:"required,max=512"`
}

type ApproveRequest struct {
	ApproverId string `json:"approver_id" validate:"required"`
}

type CommitRequest struct {
	Status string `json:"status" validate:"required,oneof=succeeded declined timed_out"`
}

type WindowsRequest struct {
	Windows []entity.AvailabilityWindow `json:"windows" validate:"dive"`
}

func NewHttpServer(engine Engine, readers *usecase.ReaderUsecase) *HttpServer {
	return &HttpServer{
		engine:        engine,
		readerUsecase: readers,
		auditUsecase:  usecase.NewAuditUsecase(engine),
		validator:     validator.New(),
		now:           time.Now,
	}
}

// decode reads a JSON body into dst and validates it. It writes the response itself on failure.
func (s *HttpServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"errors": map[string]interface{}{"body": "malformed json"},
		})
		return false
	}
	if err := s.validator.Struct(dst); err != nil {
		buildResponse(dst, w, err)
		return false
	}
	return true
}

func (s *HttpServer) CreateSession(w http.ResponseWriter, r *http.Request) {
	req := &CreateSessionRequest{}
	if !s.decode(w, r, req) {
		return
	}
	session, err := s.engine.Request(r.Context(), req.ClientId)
	buildResponse(session, w, err)
}

func (s *HttpServer) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.Sessions(r.Context())
	buildResponse(sessions, w, err)
}

func (s *HttpServer) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.Session(r.Context(), mux.Vars(r)["id"])
	buildResponse(session, w, err)
}

func (s *HttpServer) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.EventsFor(r.Context(), mux.Vars(r)["id"])
	buildResponse(events, w, err)
}

// Audit shows the typed termination reason that clients never see.
func (s *HttpServer) Audit(w http.ResponseWriter, r *http.Request) {
	audit, err := s.auditUsecase.Audit(r.Context(), mux.Vars(r)["id"])
	buildResponse(audit, w, err)
}

func (s *HttpServer) Accept(w http.ResponseWriter, r *http.Request) {
	req := &ReaderActionRequest{}
	if !s.decode(w, r, req) {
		return
	}
	session, err := s.engine.AcceptAsReader(r.Context(), mux.Vars(r)["id"], req.ReaderId)
	buildResponse(session, w, err)
}

func (s *HttpServer) Decline(w http.ResponseWriter, r *http.Request) {
	req := &ReaderActionRequest{}
	if !s.decode(w, r, req) {
		return
	}
	err := s.engine.DeclineAsReader(r.Context(), mux.Vars(r)["id"], req.ReaderId)
	buildResponse(struct{}{}, w, err)
}

func (s *HttpServer) StartSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.StartSession(r.Context(), mux.Vars(r)["id"])
	buildResponse(session, w, err)
}

func (s *HttpServer) RecordConsent(w http.ResponseWriter, r *http.Request) {
	req := &ConsentRequest{}
	if !s.decode(w, r, req) {
		return
	}
	rec := entity.ConsentRecord{
		SessionId:   mux.Vars(r)["id"],
		SubjectId:   req.SubjectId,
		ConsentType: entity.ConsentType(req.ConsentType),
		Granted:     *req.Granted,
		OriginIp:    clientIP(r),
		UserAgent:   r.UserAgent(),
	}
	id, err := s.engine.RecordConsent(r.Context(), rec)
	buildResponse(map[string]string{"id": id}, w, err)
}

func (s *HttpServer) TransportLost(w http.ResponseWriter, r *http.Request) {
	err := s.engine.TransportLost(r.Context(), mux.Vars(r)["id"])
	buildResponse(struct{}{}, w, err)
}

func (s *HttpServer) TransportRestored(w http.ResponseWriter, r *http.Request) {
	err := s.engine.TransportRestored(r.Context(), mux.Vars(r)["id"])
	buildResponse(struct{}{}, w, err)
}

func (s *HttpServer) RecordingFailure(w http.ResponseWriter, r *http.Request) {
	req := &RecordingFailureRequest{}
	if !s.decode(w, r, req) {
		return
	}
	err := s.engine.ReportRecordingFailure(r.Context(), mux.Vars(r)["id"], req.Cause)
	if errors.Is(err, entity.ErrRecordingFailure) {
		// ReportFailure always answers with the failure it just acted on
		err = nil
	}
	buildResponse(struct{}{}, w, err)
}

func (s *HttpServer) RequestExtension(w http.ResponseWriter, r *http.Request) {
	token, err := s.engine.RequestExtension(r.Context(), mux.Vars(r)["id"])
	buildResponse(token, w, err)
}

func (s *HttpServer) ApproveExtension(w http.ResponseWriter, r *http.Request) {
	req := &ApproveRequest{}
	if !s.decode(w, r, req) {
		return
	}
	token, err := s.engine.ApproveExtension(r.Context(), mux.Vars(r)["token"], req.ApproverId)
	buildResponse(token, w, err)
}

func (s *HttpServer) CommitExtension(w http.ResponseWriter, r *http.Request) {
	req := &CommitRequest{}
	if !s.decode(w, r, req) {
		return
	}
	successor, err := s.engine.Commit(r.Context(), mux.Vars(r)["token"], extension.PaymentResult(req.Status))
	buildResponse(map[string]string{"session_id": successor}, w, err)
}

func (s *HttpServer) ListReaders(w http.ResponseWriter, _ *http.Request) {
	buildResponse(s.readerUsecase.List(), w, nil)
}

func (s *HttpServer) GetReader(w http.ResponseWriter, r *http.Request) {
	reader, err := s.readerUsecase.Get(mux.Vars(r)["id"])
	buildResponse(reader, w, err)
}

func (s *HttpServer) CreateReader(w http.ResponseWriter, r *http.Request) {
	u := user.NewUser()
	if !s.decode(w, r, u) {
		return
	}
	reader, err := s.readerUsecase.Create(r.Context(), u)
	buildResponse(reader, w, err)
}

func (s *HttpServer) UpdateReader(w http.ResponseWriter, r *http.Request) {
	req := user.NewUserUpdateReq()
	if !s.decode(w, r, req) {
		return
	}
	reader, err := s.readerUsecase.Update(r.Context(), mux.Vars(r)["id"], req)
	buildResponse(reader, w, err)
}

func (s *HttpServer) SetWindows(w http.ResponseWriter, r *http.Request) {
	req := &WindowsRequest{}
	if !s.decode(w, r, req) {
		return
	}
	reader, err := s.readerUsecase.SetWindows(r.Context(), mux.Vars(r)["id"], req.Windows)
	buildResponse(reader, w, err)
}

func (s *HttpServer) Candidates(w http.ResponseWriter, r *http.Request) {
	at := s.now()
	if v := r.URL.Query().Get("at"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			buildResponse(nil, w, errBadTime)
			return
		}
		at = parsed
	}
	readers, err := s.readerUsecase.Candidates(r.Context(), at)
	buildResponse(readers, w, err)
}

// clientIP prefers the first X-Forwarded-For hop, then the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func buildResponse(entity interface{}, w http.ResponseWriter, err error) {
	if err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			errorsMap := map[string]interface{}{}
			for _, e := range errs {
				var errText string
				switch e.Tag() {
				case "required":
					errText = "field is required"
				case "oneof":
					errText = fmt.Sprintf("field is oneof %s", e.Param())
				case "min":
					errText = fmt.Sprintf("field min %s", e.Param())
				case "max":
					errText = fmt.Sprintf("field max %s", e.Param())
				case "len":
					errText = fmt.Sprintf("field len %s", e.Param())
				default:
					errText = "invalid value"
				}

				errorsMap[e.Field()] = errText
			}
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"errors": errorsMap,
			})
			return
		}

		status, key, msg := classify(err)
		if status == http.StatusInternalServerError {
			logger.Log.WithError(err).Error("[HTTP] request failed")
		}
		writeJSON(w, status, map[string]interface{}{
			"errors": map[string]interface{}{
				key: msg,
			},
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": entity,
	})
}

// classify maps a domain error to a status, an error key and a client-safe message.
func classify(err error) (int, string, string) {
	switch {
	case entity.Fatal(err):
		return http.StatusConflict, "session", "unable to complete"
	case errors.Is(err, user.ErrUserNotFound), errors.Is(err, entity.ErrUnknownReader):
		return http.StatusNotFound, "reader", "reader not found"
	case errors.Is(err, entity.ErrSessionNotFound):
		return http.StatusNotFound, "session", "session not found"
	case errors.Is(err, entity.ErrTokenNotFound):
		return http.StatusNotFound, "extension", "extension token not found"
	case errors.Is(err, entity.ErrCapacityExceeded):
		return http.StatusTooManyRequests, "session", "capacity exceeded, try again later"
	case errors.Is(err, entity.ErrApprovalRequired):
		return http.StatusPaymentRequired, "extension", err.Error()
	case errors.Is(err, entity.ErrPaymentDeclined), errors.Is(err, entity.ErrPaymentTimeout):
		return http.StatusPaymentRequired, "payment", err.Error()
	case errors.Is(err, entity.ErrAlreadyAccepted),
		errors.Is(err, entity.ErrDeclineNotAllowed),
		errors.Is(err, entity.ErrReaderBusy),
		errors.Is(err, entity.ErrReaderNotOffered),
		errors.Is(err, entity.ErrInvalidTransition),
		errors.Is(err, entity.ErrOutsideExtensionWindow),
		errors.Is(err, entity.ErrTokenUsed):
		return http.StatusConflict, "session", err.Error()
	case errors.Is(err, entity.ErrMissingOrigin),
		errors.Is(err, entity.ErrInvalidConsent),
		errors.Is(err, entity.ErrExtensionConsent),
		errors.Is(err, availability.ErrInvalidWindow),
		errors.Is(err, errBadTime):
		return http.StatusUnprocessableEntity, "request", err.Error()
	case errors.Is(err, user.ErrNoFieldsToUpdate):
		return http.StatusBadRequest, "request", err.Error()
	default:
		return http.StatusInternalServerError, "server", "internal server error"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

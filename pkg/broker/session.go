package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/axon-health/neuron/pkg/audit"
	"github.com/axon-health/neuron/pkg/consent"
	"github.com/axon-health/neuron/pkg/relationship"
	"github.com/axon-health/neuron/pkg/schema"
)

// Session states, linear per connection.
const (
	stateConnected    = "connected"
	stateAwaitingAuth = "awaiting_auth"
	stateVerifying    = "verifying"
	stateResolving    = "resolving"
	stateExchanging   = "exchanging"
	stateClosed       = "closed"
)

// Close codes the broker itself originates; consent codes pass through from
// the verifier.
const (
	codeQueueTimeout           = "queue_timeout"
	codeAuthTimeout            = "auth_timeout"
	codePayloadTooLarge        = "payload_too_large"
	codeRelationshipTerminated = "relationship_terminated"
	codeSuspended              = "suspended"
	codeShutdown               = "shutdown"
	codeInternalError          = "internal_error"
)

const (
	resultAccepted     = "accepted"
	resultClientClosed = "client_closed"

	resolveTimeout = 10 * time.Second
)

// authFrame is the single message a patient agent sends.
type authFrame struct {
	ConsentToken consent.Envelope `json:"consent_token"`
	ProviderNPI  string           `json:"provider_npi"`
	AddressHint  string           `json:"address_hint,omitempty"`
}

// responseFrame is the single message the broker sends back on success.
type responseFrame struct {
	RelationshipID   string   `json:"relationship_id"`
	ProviderAddress  string   `json:"provider_address"`
	ConsentedActions []string `json:"consented_actions"`
}

type errorFrame struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type frame struct {
	data []byte
	err  error
}

type session struct {
	b     *Broker
	adm   *admission
	stop  chan struct{}
	conn  *websocket.Conn
	id    string
	log   *slog.Logger
	state string
}

func newSession(b *Broker, adm *admission, stop chan struct{}, conn *websocket.Conn, remote string) *session {
	id := uuid.New().String()
	return &session{
		b:     b,
		adm:   adm,
		stop:  stop,
		conn:  conn,
		id:    id,
		log:   b.log.With("session_id", id, "remote", remote),
		state: stateConnected,
	}
}

// run drives the handshake to its terminal state. Exactly one audit entry
// is written per session, at close.
func (s *session) run() {
	defer s.conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session panicked", "panic", r, "state", s.state)
			s.refuse(codeInternalError, "internal error")
		}
	}()

	s.conn.SetReadLimit(s.b.cfg.MaxPayloadBytes)
	frames := make(chan frame, 1)
	go s.readAuthFrame(frames)

	// connected: hold until a slot frees. The auth deadline does not run
	// while queued.
	w := s.adm.acquire()
	queueTimer := time.NewTimer(s.b.cfg.QueueTimeout)
	defer queueTimer.Stop()

	var pending *frame
	framesCh := frames
admitted:
	for {
		select {
		case <-w.ch:
			break admitted
		case fr := <-framesCh:
			if fr.err != nil {
				s.adm.cancel(w)
				s.abandon(fr.err)
				return
			}
			// Auth frame arrived before admission; hold it for later.
			pending = &fr
			framesCh = nil
		case <-queueTimer.C:
			s.adm.cancel(w)
			s.refuse(codeQueueTimeout, "no handshake slot freed in time")
			return
		case <-s.stop:
			s.adm.cancel(w)
			s.refuse(codeShutdown, "broker shutting down")
			return
		}
	}
	defer s.b.endSession(s.adm)
	if s.b.metrics != nil {
		s.b.metrics.SessionOpened()
	}

	s.state = stateAwaitingAuth
	var fr frame
	if pending != nil {
		fr = *pending
	} else {
		authTimer := time.NewTimer(s.b.cfg.AuthTimeout)
		defer authTimer.Stop()
		select {
		case fr = <-frames:
		case <-authTimer.C:
			s.refuse(codeAuthTimeout, "no auth frame before deadline")
			return
		case <-s.stop:
			s.refuse(codeShutdown, "broker shutting down")
			return
		}
	}
	if fr.err != nil {
		if errors.Is(fr.err, websocket.ErrReadLimit) {
			s.refuseOversized()
			return
		}
		s.abandon(fr.err)
		return
	}

	s.state = stateVerifying
	if err := s.b.schemas.ValidateJSON(schema.HandshakeAuth, fr.data); err != nil {
		msg := "auth frame failed schema validation"
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			msg = ve.Error()
		}
		s.refuse(consent.CodeSchemaViolation, msg)
		return
	}
	var auth authFrame
	if err := json.Unmarshal(fr.data, &auth); err != nil {
		s.refuse(consent.CodeSchemaViolation, "auth frame is not a JSON object")
		return
	}

	claims, err := s.b.verifier.Verify(auth.ConsentToken)
	if err != nil {
		code := consent.CodeOf(err)
		if code == "" {
			s.log.Error("consent verification failed", "error", err)
			s.refuse(codeInternalError, "internal error")
			return
		}
		msg := "consent rejected"
		var ce *consent.Error
		if errors.As(err, &ce) {
			msg = ce.Message
		}
		s.refuse(code, msg)
		return
	}
	if claims.ProviderNPI != auth.ProviderNPI {
		s.refuse(consent.CodeSchemaViolation, "provider_npi does not match the consent claims")
		return
	}

	s.state = stateResolving
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	rel, code, err := s.resolve(ctx, auth.ConsentToken.PublicKeyB64, claims)
	if err != nil {
		s.log.Error("relationship resolution failed", "error", err)
		s.refuse(codeInternalError, "internal error")
		return
	}
	if code == codeRelationshipTerminated {
		s.refuse(code, "relationship was terminated and cannot be revived")
		return
	}
	if code == codeSuspended {
		s.refuse(code, "relationship is suspended")
		return
	}

	s.state = stateExchanging
	resp := responseFrame{
		RelationshipID:   rel.RelationshipID,
		ProviderAddress:  s.providerAddress(ctx, claims.ProviderNPI),
		ConsentedActions: claims.ConsentedActions,
	}
	if err := s.writeJSON(resp); err != nil {
		s.abandon(err)
		return
	}
	s.writeClose(websocket.CloseNormalClosure, "")
	s.complete(rel, claims)
}

// readAuthFrame delivers the first inbound frame or the read error that
// ended the connection. The broker never reads a second frame.
func (s *session) readAuthFrame(out chan<- frame) {
	_, data, err := s.conn.ReadMessage()
	out <- frame{data: data, err: err}
}

// resolve maps verified claims onto a relationship row. It returns a refusal
// code for inadmissible pairs and retries exactly once when a concurrent
// session wins the create race.
func (s *session) resolve(ctx context.Context, patientKey string, claims consent.Claims) (relationship.Relationship, string, error) {
	for attempt := 0; ; attempt++ {
		rel, err := s.b.rels.FindByPair(ctx, patientKey, claims.ProviderNPI)
		if errors.Is(err, relationship.ErrNotFound) {
			created, err := s.b.rels.Create(ctx, claims.PatientAgentID, patientKey,
				claims.ProviderNPI, claims.ConsentedActions, relationship.StatusActive)
			if errors.Is(err, relationship.ErrDuplicate) && attempt == 0 {
				continue
			}
			if err != nil {
				return relationship.Relationship{}, "", err
			}
			return created, "", nil
		}
		if err != nil {
			return relationship.Relationship{}, "", err
		}

		switch rel.Status {
		case relationship.StatusTerminated:
			return relationship.Relationship{}, codeRelationshipTerminated, nil
		case relationship.StatusSuspended:
			return relationship.Relationship{}, codeSuspended, nil
		}

		refreshed, err := s.b.rels.RefreshConsent(ctx, rel.RelationshipID, claims.ConsentedActions)
		if errors.Is(err, relationship.ErrTerminated) {
			return relationship.Relationship{}, codeRelationshipTerminated, nil
		}
		if errors.Is(err, relationship.ErrInvalidTransition) {
			return relationship.Relationship{}, codeSuspended, nil
		}
		if err != nil {
			return relationship.Relationship{}, "", err
		}
		return refreshed, "", nil
	}
}

// providerAddress prefers the directory-assigned agent address and falls
// back to a path under the organization endpoint.
func (s *session) providerAddress(ctx context.Context, npi string) string {
	p, err := s.b.providers.Get(ctx, npi)
	if err == nil && p.AgentAddress != "" {
		return p.AgentAddress
	}
	return strings.TrimRight(s.b.cfg.EndpointURL, "/") + "/agents/" + npi
}

func (s *session) complete(rel relationship.Relationship, claims consent.Claims) {
	s.state = stateClosed
	s.record("handshake_completed", resultAccepted, map[string]any{
		"relationship_id":  rel.RelationshipID,
		"patient_agent_id": claims.PatientAgentID,
		"provider_npi":     claims.ProviderNPI,
	})
	s.log.Info("handshake completed",
		"relationship_id", rel.RelationshipID, "provider_npi", claims.ProviderNPI)
}

// refuse sends one error frame and the mapped close frame, best effort.
func (s *session) refuse(code, message string) {
	s.state = stateClosed
	_ = s.writeJSON(errorFrame{Error: message, Code: code})
	s.writeClose(closeCodeFor(code), code)
	s.record("handshake_refused", code, map[string]any{"reason": message})
	s.log.Info("handshake refused", "code", code, "reason", message)
}

// refuseOversized covers gorilla's read-limit error. The library has already
// sent the 1009 close frame, so only bookkeeping is left.
func (s *session) refuseOversized() {
	s.state = stateClosed
	s.record("handshake_refused", codePayloadTooLarge, map[string]any{
		"limit_bytes": s.b.cfg.MaxPayloadBytes,
	})
	s.log.Info("handshake refused", "code", codePayloadTooLarge)
}

// abandon ends a session whose peer vanished before the exchange finished.
func (s *session) abandon(err error) {
	s.state = stateClosed
	s.record("handshake_abandoned", resultClientClosed, nil)
	s.log.Debug("peer closed before handshake finished", "error", err)
}

// record writes the session's single audit entry and bumps the counter.
func (s *session) record(action, result string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["session_id"] = s.id
	details["result"] = result
	if _, err := s.b.journal.Append(audit.CategoryHandshake, action, "patient-agent", details); err != nil {
		s.log.Error("audit append failed", "error", err)
	}
	if s.b.metrics != nil {
		s.b.metrics.RecordHandshake(result)
	}
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func closeCodeFor(code string) int {
	switch code {
	case codeShutdown:
		return websocket.CloseGoingAway
	case codePayloadTooLarge:
		return websocket.CloseMessageTooBig
	case codeInternalError:
		return websocket.CloseInternalServerErr
	default:
		return websocket.ClosePolicyViolation
	}
}

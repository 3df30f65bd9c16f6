// Package telephony is the carrier control plane: it places outbound calls,
// serves the call-control document, and processes carrier status callbacks.
package telephony

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/edusignal/callbridge/internal/callsession"
	"github.com/edusignal/callbridge/internal/config"
	"github.com/edusignal/callbridge/internal/observe"
	"github.com/edusignal/callbridge/internal/viewertoken"
)

// CallStartResult is returned to the caller of an outbound-call request. On
// failure it still carries the session id and viewer token so the widget can
// show the failure without a second round trip.
type CallStartResult struct {
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"`
	CallSid      string `json:"callSid,omitempty"`
	LogsWsURL    string `json:"logsWsUrl"`
	ViewerToken  string `json:"viewerToken"`
	ToNumber     string `json:"toNumber,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// createCallRequest is what the control plane asks of the carrier.
type createCallRequest struct {
	To                  string
	From                string
	CallControlURL      string
	StatusCallbackURL   string
	StatusCallbackTypes []string
}

// carrierAPI is the REST surface used to place calls. Implemented by
// twilioCarrier; faked in tests.
type carrierAPI interface {
	CreateCall(ctx context.Context, req createCallRequest) (callSid, status string, err error)
}

// Control places outbound calls and tracks their sessions.
type Control struct {
	store   *callsession.Store
	tokens  *viewertoken.Minter
	cfg     *config.Config
	carrier carrierAPI
}

// NewControl builds the control plane. When the carrier credentials are not
// configured, call attempts fail per-session instead of at startup.
func NewControl(store *callsession.Store, tokens *viewertoken.Minter, cfg *config.Config) *Control {
	c := &Control{store: store, tokens: tokens, cfg: cfg}
	if cfg.Twilio.Configured() {
		c.carrier = newTwilioCarrier(cfg.Twilio)
	}
	return c
}

// newControlWithCarrier is the test seam.
func newControlWithCarrier(store *callsession.Store, tokens *viewertoken.Minter, cfg *config.Config, carrier carrierAPI) *Control {
	return &Control{store: store, tokens: tokens, cfg: cfg, carrier: carrier}
}

// StartOutboundCall creates a session, mints its viewer token, and asks the
// carrier to place the call. The callee defaults to the configured number
// when the request does not name one.
func (c *Control) StartOutboundCall(ctx context.Context, brief callsession.CallBrief, toNumber string) CallStartResult {
	sessionID := c.store.Create(brief)

	result := CallStartResult{
		SessionID: sessionID,
		LogsWsURL: c.cfg.LogsWsURL(),
	}
	if token, err := c.tokens.Mint(sessionID); err == nil {
		result.ViewerToken = token
	} else {
		slog.Error("minting viewer token failed", "session_id", sessionID, "error", err)
	}

	if toNumber == "" {
		toNumber = c.cfg.Twilio.DefaultToNumber
	}
	result.ToNumber = toNumber

	fail := func(msg string) CallStartResult {
		c.store.UpdateStatus(sessionID, callsession.StatusFailed, msg)
		observe.DefaultMetrics().RecordCallStart(ctx, "failed")
		result.Status = string(callsession.StatusFailed)
		result.ErrorMessage = msg
		return result
	}

	if c.carrier == nil {
		return fail("carrier is not configured (set TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER)")
	}
	if toNumber == "" {
		return fail("no callee number (set TWILIO_TO_NUMBER_DEFAULT or pass one)")
	}

	base := c.cfg.PublicBase()
	callSid, carrierStatus, err := c.carrier.CreateCall(ctx, createCallRequest{
		To:                  toNumber,
		From:                c.cfg.Twilio.FromNumber,
		CallControlURL:      fmt.Sprintf("%s/twilio/twiml?sessionId=%s", base, sessionID),
		StatusCallbackURL:   fmt.Sprintf("%s/twilio/status?sessionId=%s", base, sessionID),
		StatusCallbackTypes: []string{"initiated", "ringing", "answered", "completed"},
	})
	if err != nil {
		return fail(fmt.Sprintf("create call: %v", err))
	}

	c.store.SetCarrierCallID(sessionID, callSid)
	status := MapCarrierStatus(carrierStatus)
	c.store.UpdateStatus(sessionID, status, "")
	observe.DefaultMetrics().RecordCallStart(ctx, "placed")

	result.CallSid = callSid
	result.Status = string(status)
	slog.Info("outbound call created",
		"session_id", sessionID, "call_sid", callSid, "carrier_status", carrierStatus)
	return result
}

// MapCarrierStatus converts a carrier call status into a session status.
func MapCarrierStatus(s string) callsession.Status {
	switch s {
	case "ringing":
		return callsession.StatusRinging
	case "in-progress", "answered":
		return callsession.StatusInProgress
	case "queued", "initiated", "scheduled":
		return callsession.StatusQueued
	case "completed":
		return callsession.StatusCompleted
	default:
		return callsession.StatusFailed
	}
}

// twilioCarrier implements carrierAPI on the Twilio REST SDK.
type twilioCarrier struct {
	client *twilio.RestClient
}

func newTwilioCarrier(cfg config.TwilioConfig) *twilioCarrier {
	return &twilioCarrier{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		}),
	}
}

func (t *twilioCarrier) CreateCall(_ context.Context, req createCallRequest) (string, string, error) {
	params := &api.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetUrl(req.CallControlURL)
	params.SetStatusCallback(req.StatusCallbackURL)
	params.SetStatusCallbackEvent(req.StatusCallbackTypes)

	resp, err := t.client.Api.CreateCall(params)
	if err != nil {
		return "", "", fmt.Errorf("twilio create call: %w", err)
	}

	var sid, status string
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	if resp.Status != nil {
		status = *resp.Status
	}
	return sid, status, nil
}

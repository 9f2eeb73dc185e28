package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transports"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer provides outbound call creation via Twilio REST API.
type Dialer struct {
	cfg    Config
	client callCreator
}

// NewDialer creates a new Twilio dialer.
func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial places an outbound call using Twilio.
func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	return d.DialWithOptions(ctx, to, from, url, transports.DialOptions{})
}

// DialWithOptions places an outbound call using Twilio with optional settings.
// Numbers are normalized to E.164 first; an empty from uses the configured
// caller id and an empty url the public voice webhook.
func (d *Dialer) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if from == "" {
		from = d.cfg.FromNumber
	}
	to, err := NormalizeNumber(to)
	if err != nil {
		return "", fmt.Errorf("to: %w", err)
	}
	from, err = NormalizeNumber(from)
	if err != nil {
		return "", fmt.Errorf("from: %w", err)
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	if url == "" {
		url = publicHTTPURL(d.cfg, d.cfg.VoicePath)
	}
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(url)
	params.SetMethod("POST")
	if d.cfg.PublicURL != "" {
		params.SetStatusCallback(publicHTTPURL(d.cfg, d.cfg.StatusCallbackPath))
		params.SetStatusCallbackMethod("POST")
	}
	if strings.TrimSpace(opts.SendDigits) != "" {
		params.SetSendDigits(opts.SendDigits)
	}
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("missing call sid")
	}
	return *resp.Sid, nil
}

// NormalizeNumber converts a phone number to E.164. Dutch national numbers
// (06..., 010...) and the 0031 international prefix are rewritten to +31.
func NormalizeNumber(raw string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("invalid phone number %q", raw)
		}
	}
	n := b.String()
	switch {
	case n == "":
		return "", errors.New("phone number required")
	case strings.HasPrefix(n, "+"):
	case strings.HasPrefix(n, "00"):
		n = "+" + n[2:]
	case strings.HasPrefix(n, "0"):
		n = "+31" + n[1:]
	default:
		n = "+" + n
	}
	digits := len(n) - 1
	if digits < 8 || digits > 15 {
		return "", fmt.Errorf("invalid phone number %q", raw)
	}
	return n, nil
}

var _ transports.OutboundDialerWithOptions = (*Dialer)(nil)

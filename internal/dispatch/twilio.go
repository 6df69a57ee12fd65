package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioGateway sends through Twilio's Messages resource.
type TwilioGateway struct {
	accountSID string
	from       string
	rest       *twilio.RestClient
}

func NewTwilioGateway(sid, token, from string, timeout time.Duration) *TwilioGateway {
	return newTwilioGateway(sid, token, from, &http.Client{Timeout: timeout})
}

func newTwilioGateway(sid, token, from string, hc *http.Client) *TwilioGateway {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username:   sid,
		Password:   token,
		AccountSid: sid,
		Client: &client.Client{
			Credentials: client.NewCredentials(sid, token),
			HTTPClient:  hc,
		},
	})
	return &TwilioGateway{accountSID: sid, from: from, rest: rest}
}

// Send creates one message. The Twilio client has no context support, so
// ctx is only checked before the request; the http.Client timeout bounds
// the call itself.
func (t *TwilioGateway) Send(ctx context.Context, to, body string) error {
	if to == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.CreateMessageParams{}
	params.SetPathAccountSid(t.accountSID)
	params.SetTo(to)
	params.SetFrom(t.from)
	params.SetBody(body)

	if _, err := t.rest.Api.CreateMessage(params); err != nil {
		var apiErr *client.TwilioRestError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("twilio: %d %s (code %d)", apiErr.Status, apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("twilio: %w", err)
	}
	return nil
}

package twilio

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transports"
)

type TwilioStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type TwilioMedia struct {
	Payload string `json:"payload"`
	Track   string `json:"track,omitempty"`
}

type TwilioStop struct {
	CallSID string `json:"callSid"`
	Reason  string `json:"reason"`
}

type TwilioEvent struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *TwilioStart `json:"start,omitempty"`
	Media     *TwilioMedia `json:"media,omitempty"`
	Stop      *TwilioStop  `json:"stop,omitempty"`
}

type outboundMedia struct {
	Payload string `json:"payload"`
}

type outboundMessage struct {
	Event     string         `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     *outboundMedia `json:"media,omitempty"`
}

func mediaMessage(streamID string, frame []byte) ([]byte, error) {
	return json.Marshal(outboundMessage{
		Event:     "media",
		StreamSID: streamID,
		Media:     &outboundMedia{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
}

func clearMessage(streamID string) ([]byte, error) {
	return json.Marshal(outboundMessage{Event: "clear", StreamSID: streamID})
}

// parseEvent classifies one inbound message. Malformed messages and event
// types the call does not act on (connected, mark, dtmf) report false.
func parseEvent(data []byte) (transports.Event, bool) {
	var evt TwilioEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return transports.Event{}, false
	}
	switch evt.Event {
	case "start":
		if evt.Start == nil || strings.TrimSpace(evt.Start.StreamID) == "" {
			return transports.Event{}, false
		}
		return transports.Event{
			Kind:     transports.EventStart,
			StreamID: evt.Start.StreamID,
			CallSID:  evt.Start.CallSID,
			From:     evt.Start.From,
		}, true
	case "media":
		if evt.Media == nil || evt.Media.Payload == "" {
			return transports.Event{}, false
		}
		if evt.Media.Track != "" && evt.Media.Track != "inbound" {
			return transports.Event{}, false
		}
		if _, err := base64.StdEncoding.DecodeString(evt.Media.Payload); err != nil {
			return transports.Event{}, false
		}
		return transports.Event{
			Kind:     transports.EventMedia,
			StreamID: evt.StreamSID,
			Payload:  evt.Media.Payload,
		}, true
	case "stop":
		ev := transports.Event{Kind: transports.EventStop, StreamID: evt.StreamSID}
		if evt.Stop != nil {
			ev.CallSID = evt.Stop.CallSID
		}
		return ev, true
	default:
		return transports.Event{}, false
	}
}

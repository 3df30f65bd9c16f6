package telephony

import (
	"encoding/xml"
	"fmt"
)

// TwiML call-control document: instructs the carrier to open a bidirectional
// media websocket and pass the session id as a custom parameter.

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// CallControlDocument renders the TwiML that connects the call's media to the
// bridge websocket at wsBase/twilio/call.
func CallControlDocument(wsBase, sessionID string) ([]byte, error) {
	doc := twimlResponse{
		Connect: twimlConnect{
			Stream: twimlStream{
				URL: wsBase + "/twilio/call",
				Parameters: []twimlParameter{
					{Name: "sessionId", Value: sessionID},
				},
			},
		},
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("rendering call-control document: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

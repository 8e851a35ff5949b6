package telephony

import (
	"encoding/xml"
	"fmt"
	"sort"
)

// TwiML 通话控制文档
type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
	Say     string        `xml:"Say,omitempty"`
	Hangup  *struct{}     `xml:"Hangup,omitempty"`
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

// StreamTwiML 生成把通话音频桥接到streamURL的TwiML
// params作为<Parameter>下发，在媒体流start消息的customParameters中回传
func StreamTwiML(streamURL string, params map[string]string) (string, error) {
	stream := twimlStream{URL: streamURL}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if params[name] == "" {
			continue
		}
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: name, Value: params[name]})
	}

	return renderTwiML(twimlResponse{Connect: &twimlConnect{Stream: stream}})
}

// HangupTwiML 生成挂断文档
func HangupTwiML(message string) (string, error) {
	return renderTwiML(twimlResponse{Say: message, Hangup: &struct{}{}})
}

func renderTwiML(doc twimlResponse) (string, error) {
	body, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render twiml failed: %w", err)
	}
	return xml.Header + string(body), nil
}

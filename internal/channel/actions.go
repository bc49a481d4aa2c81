package channel

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// ActionName tags the action variant parsed from a script.
type ActionName string

const (
	ActionPlay     ActionName = "play"
	ActionGather   ActionName = "gather"
	ActionRedirect ActionName = "redirect"
	ActionHangup   ActionName = "hangup"
)

// Attrs carries the attributes an action script may set on any element.
type Attrs struct {
	Timeout     int
	NumDigits   int
	FinishOnKey string
	ActionURL   string
}

// Action is one parsed script element. Data holds the element text:
// the media path for play, the target URL for redirect.
type Action struct {
	Name  ActionName
	Data  string
	Attrs Attrs
}

type xmlResponse struct {
	XMLName xml.Name  `xml:"Response"`
	Items   []xmlItem `xml:",any"`
}

type xmlItem struct {
	XMLName     xml.Name
	Data        string `xml:",chardata"`
	Timeout     string `xml:"timeout,attr"`
	NumDigits   string `xml:"numDigits,attr"`
	FinishOnKey string `xml:"finishOnKey,attr"`
	Action      string `xml:"action,attr"`
}

// ParseActions decodes an XML action script into its ordered action
// list. Unknown elements are an error: a half-understood script must
// not drive a live call.
func ParseActions(data []byte) ([]Action, error) {
	var doc xmlResponse
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse action script: %w", err)
	}

	actions := make([]Action, 0, len(doc.Items))
	for _, item := range doc.Items {
		name := ActionName(strings.ToLower(item.XMLName.Local))
		switch name {
		case ActionPlay, ActionGather, ActionRedirect, ActionHangup:
		default:
			return nil, fmt.Errorf("unknown action element <%s>", item.XMLName.Local)
		}
		actions = append(actions, Action{
			Name: name,
			Data: strings.TrimSpace(item.Data),
			Attrs: Attrs{
				Timeout:     atoiOrZero(item.Timeout),
				NumDigits:   atoiOrZero(item.NumDigits),
				FinishOnKey: item.FinishOnKey,
				ActionURL:   item.Action,
			},
		})
	}
	return actions, nil
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

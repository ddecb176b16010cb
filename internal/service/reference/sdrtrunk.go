package reference

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrInvalidXML   = errors.New("invalid alias XML")
	ErrNoTalkgroups = errors.New("no talkgroup ids found")
)

type sdrtrunkAlias struct {
	Name string `xml:"name,attr"`
	IDs  []struct {
		Type  string `xml:"type,attr"`
		Value string `xml:"value,attr"`
	} `xml:"id"`
}

// ParseSDRTrunkAliases reads an SDRTrunk alias list and returns talkgroup
// number to alias name. <alias> elements may appear at any depth; the first
// alias seen for a number wins.
func ParseSDRTrunkAliases(r io.Reader) (map[int]string, error) {
	dec := xml.NewDecoder(r)
	out := make(map[int]string)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidXML, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "alias" {
			continue
		}
		var a sdrtrunkAlias
		if err := dec.DecodeElement(&a, &se); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidXML, err)
		}
		if a.Name == "" {
			continue
		}
		for _, id := range a.IDs {
			if id.Type != "talkgroup" {
				continue
			}
			n, err := strconv.Atoi(strings.TrimSpace(id.Value))
			if err != nil || n < 0 {
				continue
			}
			if _, seen := out[n]; !seen {
				out[n] = a.Name
			}
		}
	}

	if len(out) == 0 {
		return nil, ErrNoTalkgroups
	}
	return out, nil
}

package api

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

const maxLinksPerJob = 100

var safeName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 ._-]{0,127}$`)

type jobRequest struct {
	Links     []string `json:"links"`
	Recipient string   `json:"recipient"`
	Format    string   `json:"format"`
	Name      string   `json:"name"`
}

type validJob struct {
	links     []string
	recipient string
	format    bundle.Format
	name      string
}

func (req jobRequest) validate() (validJob, error) {
	var out validJob
	if len(req.Links) == 0 {
		return out, errors.New("links required")
	}
	if len(req.Links) > maxLinksPerJob {
		return out, fmt.Errorf("at most %d links allowed", maxLinksPerJob)
	}
	for _, raw := range req.Links {
		link := strings.TrimSpace(raw)
		u, err := url.Parse(link)
		if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return out, fmt.Errorf("invalid link %q", raw)
		}
		out.links = append(out.links, link)
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Recipient))
	if err != nil {
		return out, errors.New("invalid recipient")
	}
	out.recipient = addr.Address
	out.format, err = bundle.ParseFormat(req.Format)
	if err != nil {
		return out, err
	}
	name := strings.TrimSpace(req.Name)
	if !safeName.MatchString(name) || strings.Contains(name, "..") {
		return out, errors.New("invalid name")
	}
	out.name = name
	return out, nil
}

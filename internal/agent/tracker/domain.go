package tracker

import (
	"net/url"
	"strings"
)

var browsers = []string{
	"chrome", "chromium", "firefox", "msedge", "edge", "safari", "brave", "opera", "vivaldi", "arc",
}

// IsBrowser reports whether app looks like a web browser process.
func IsBrowser(app string) bool {
	app = strings.ToLower(app)
	for _, b := range browsers {
		if strings.Contains(app, b) {
			return true
		}
	}
	return false
}

var titleSeparators = strings.NewReplacer(" - ", " ", " — ", " ", " | ", " ", " · ", " ", " – ", " ")

// DomainFromTitle finds a host name or URL in a browser window title.
func DomainFromTitle(title string) (domain, rawURL string, ok bool) {
	for _, tok := range strings.Fields(titleSeparators.Replace(title)) {
		tok = strings.Trim(tok, "()[]<>\"',")
		if tok == "" {
			continue
		}
		candidate := tok
		if !strings.Contains(candidate, "://") {
			candidate = "https://" + candidate
		}
		u, err := url.Parse(candidate)
		if err != nil || !looksLikeHost(u.Hostname()) {
			continue
		}
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		if u.Scheme != "http" && u.Scheme != "https" {
			continue
		}
		return host, u.String(), true
	}
	return "", "", false
}

func looksLikeHost(h string) bool {
	if h == "localhost" {
		return true
	}
	dot := strings.LastIndexByte(h, '.')
	if dot <= 0 || dot == len(h)-1 {
		return false
	}
	tld := h[dot+1:]
	if len(tld) < 2 {
		return false
	}
	for _, r := range tld {
		if r < 'a' || r > 'z' {
			if r < 'A' || r > 'Z' {
				return false
			}
		}
	}
	for _, r := range h {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// validate rejects configurations the synchroniser cannot run with. It also
// rewrites ServerBaseURL into a normalised form (scheme lowered, IDN host in
// ASCII, no trailing slash) so downstream URL building is uniform.
func (c *Config) validate() error {
	normalised, err := normaliseBaseURL(c.ServerBaseURL)
	if err != nil {
		return fmt.Errorf("%w: server_base_url: %v", ErrInvalid, err)
	}
	c.ServerBaseURL = normalised

	if strings.TrimSpace(c.ServerToken) == "" {
		return fmt.Errorf("%w: server_token is required", ErrInvalid)
	}

	for _, id := range c.LibraryIDs {
		if id <= 0 {
			return fmt.Errorf("%w: library_ids entry %d is not a positive section id", ErrInvalid, id)
		}
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Exporter {
		case "", "otlp-http", "otlp-grpc":
		default:
			return fmt.Errorf("%w: telemetry.exporter %q (want otlp-http or otlp-grpc)", ErrInvalid, c.Telemetry.Exporter)
		}
	}

	return nil
}

// normaliseBaseURL parses and canonicalises the media-server base URL.
// Internationalised hostnames are converted to their ASCII form so the URL
// matches what the HTTP client will actually dial.
func normaliseBaseURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("is required")
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse %q: %v", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("scheme %q not supported (want http or https)", u.Scheme)
	}
	u.Scheme = scheme

	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("missing host in %q", raw)
	}
	if ip := net.ParseIP(host); ip == nil {
		ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(host, "."))
		if err != nil {
			return "", fmt.Errorf("invalid host %q: %v", host, err)
		}
		if port := u.Port(); port != "" {
			u.Host = net.JoinHostPort(strings.ToLower(ascii), port)
		} else {
			u.Host = strings.ToLower(ascii)
		}
	}

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

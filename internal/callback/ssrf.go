// Package callback delivers queued messages to container-registered HTTP
// endpoints, with a URL policy that keeps the relay from being steered at
// internal infrastructure.
package callback

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var errCallbackScheme = errors.New("callback url must use https (http is allowed for localhost only)")

// ValidateCallbackURL enforces the callback URL policy: https required (plain
// http only for exact host "localhost"), and hosts that resolve into private
// or internal space by name are rejected outright.
//
// TODO(dns): pin the resolved address for the lifetime of a delivery and
// re-check it after redirects; the name-based checks here do not stop DNS
// rebinding.
func ValidateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("callback url does not parse: %w", err)
	}

	host := u.Hostname()
	if host == "" {
		return errors.New("callback url has no host")
	}

	switch u.Scheme {
	case "https":
	case "http":
		if host != "localhost" {
			return errCallbackScheme
		}
	default:
		return errCallbackScheme
	}

	if host == "127.0.0.1" || host == "0.0.0.0" {
		return fmt.Errorf("callback host %s is not allowed", host)
	}
	for _, prefix := range []string{"192.168.", "10.", "172.16."} {
		if strings.HasPrefix(host, prefix) {
			return fmt.Errorf("callback host %s is in a private range", host)
		}
	}
	for _, suffix := range []string{".internal", ".local"} {
		if strings.HasSuffix(host, suffix) {
			return fmt.Errorf("callback host %s is internal", host)
		}
	}
	return nil
}

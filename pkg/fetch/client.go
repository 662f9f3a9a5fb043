package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/Sriram-PR/site-archiver/pkg/config"
	"github.com/Sriram-PR/site-archiver/pkg/utils"
)

const maxRedirects = 10

// NewClient creates the shared HTTP client. proxyURL may be empty (environment
// proxy settings apply), an http(s) proxy, or a socks5 proxy.
func NewClient(cfg config.HTTPClientConfig, proxyURL string, log *logrus.Entry) (*http.Client, error) {
	log.Info("Initializing HTTP client...")

	dialer := &net.Dialer{
		Timeout:   cfg.DialerTimeout,
		KeepAlive: cfg.DialerKeepAlive,
	}

	transport := &http.Transport{
		Proxy:                  http.ProxyFromEnvironment,
		DialContext:            dialer.DialContext,
		ForceAttemptHTTP2:      true,
		MaxIdleConns:           cfg.MaxIdleConns,
		MaxIdleConnsPerHost:    cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:        cfg.IdleConnTimeout,
		TLSHandshakeTimeout:    cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout:  cfg.ExpectContinueTimeout,
		MaxResponseHeaderBytes: 1 << 20,
	}
	if cfg.ForceAttemptHTTP2 != nil {
		transport.ForceAttemptHTTP2 = *cfg.ForceAttemptHTTP2
	}

	if proxyURL != "" {
		if err := applyProxy(transport, dialer, proxyURL); err != nil {
			return nil, err
		}
		log.WithField("proxy", redactProxy(proxyURL)).Info("Routing requests through proxy")
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			log.Debugf("Redirecting: %s -> %s (hop %d)", via[len(via)-1].URL, req.URL, len(via))
			return nil
		},
	}
	log.Info("HTTP client initialized.")
	return client, nil
}

func applyProxy(transport *http.Transport, dialer *net.Dialer, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return utils.WrapErrorf(utils.ErrConfigValidation, "proxy_url '%s': %v", raw, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
		return nil
	case "socks5", "socks5h":
		socksDialer, err := proxy.FromURL(u, dialer)
		if err != nil {
			return utils.WrapErrorf(utils.ErrConfigValidation, "socks5 proxy '%s': %v", u.Host, err)
		}
		contextDialer, ok := socksDialer.(proxy.ContextDialer)
		if !ok {
			return errors.New("socks5 dialer does not support contexts")
		}
		transport.Proxy = nil
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return contextDialer.DialContext(ctx, network, addr)
		}
		return nil
	default:
		return utils.WrapErrorf(utils.ErrConfigValidation, "unsupported proxy scheme '%s'", u.Scheme)
	}
}

// redactProxy strips credentials so the proxy can be logged
func redactProxy(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}

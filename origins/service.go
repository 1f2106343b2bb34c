// Package origins manages the claim-and-verify lifecycle of buyer origins:
// a pending origin carries a challenge token the org proves control of via
// DNS, a well-known file, or a response header.
package origins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"

	"proofwork/core"
	"proofwork/models"
	"proofwork/storage"
)

// Challenge surface.
const (
	ChallengePrefix = "pw_verify_"
	TXTLabel        = "_proofwork"
	WellKnownPath   = "/.well-known/proofwork-verification.txt"
	HeaderName      = "X-Proofwork-Verification"
	LookupTimeout   = 5 * time.Second
)

// Verification methods.
const (
	MethodDNSTXT   = "dns_txt"
	MethodHTTPFile = "http_file"
	MethodHeader   = "header"
)

var (
	ErrBlockedDomain   = errors.New("origins: domain is blocked")
	ErrChallengeFailed = errors.New("origins: challenge not satisfied")
	ErrUnknownMethod   = errors.New("origins: unknown verification method")
	ErrNotPending      = errors.New("origins: origin is not pending")
	errNoResolvers     = errors.New("origins: no resolvers configured")
)

// TXTResolver answers TXT lookups for the dns_txt challenge.
type TXTResolver interface {
	LookupTXT(ctx context.Context, fqdn string) ([]string, error)
}

// systemResolver queries the nameservers from resolv.conf with miekg/dns.
type systemResolver struct {
	conf string
}

func (r systemResolver) LookupTXT(ctx context.Context, fqdn string) ([]string, error) {
	conf, err := dns.ClientConfigFromFile(r.conf)
	if err != nil {
		return nil, fmt.Errorf("origins: read %s: %w", r.conf, err)
	}
	if len(conf.Servers) == 0 {
		return nil, errNoResolvers
	}
	client := &dns.Client{Timeout: LookupTimeout}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(fqdn), dns.TypeTXT)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range conf.Servers {
		addr := net.JoinHostPort(server, conf.Port)
		reply, _, err := client.ExchangeContext(ctx, msg, addr)
		if err != nil {
			lastErr = err
			continue
		}
		var records []string
		for _, rr := range reply.Answer {
			if txt, ok := rr.(*dns.TXT); ok {
				records = append(records, strings.Join(txt.Txt, ""))
			}
		}
		return records, nil
	}
	return nil, fmt.Errorf("origins: all resolvers failed: %w", lastErr)
}

// Service owns origin registration and challenge verification.
type Service struct {
	store    *storage.Store
	resolver TXTResolver
	client   *http.Client
	logger   *slog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithResolver swaps the TXT resolver.
func WithResolver(resolver TXTResolver) Option {
	return func(s *Service) { s.resolver = resolver }
}

// WithHTTPClient swaps the challenge-fetch client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) {
		if client != nil {
			s.client = client
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs the origin service.
func New(store *storage.Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		resolver: systemResolver{conf: "/etc/resolv.conf"},
		client:   &http.Client{Timeout: LookupTimeout},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a pending origin for the org with a fresh challenge token.
// The URL is normalized and refused when its host falls under the denylist.
func (s *Service) Add(orgID, rawURL string) (*models.Origin, error) {
	normalized, err := core.NormalizeOrigin(rawURL)
	if err != nil {
		return nil, err
	}
	host, err := core.OriginHost(normalized)
	if err != nil {
		return nil, err
	}
	blocked, err := s.store.IsDomainBlocked(host)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, fmt.Errorf("%w: %s", ErrBlockedDomain, host)
	}
	origin := &models.Origin{
		OrgID:          orgID,
		OriginURL:      normalized,
		ChallengeToken: ChallengePrefix + core.NewNonce(),
	}
	if err := s.store.CreateOrigin(origin); err != nil {
		return nil, err
	}
	return origin, nil
}

// Verify runs one challenge method against a pending origin and marks it
// verified on success.
func (s *Service) Verify(ctx context.Context, orgID, originID, method string) (*models.Origin, error) {
	origin, err := s.store.GetOrigin(orgID, originID)
	if err != nil {
		return nil, err
	}
	if origin.State != core.OriginPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, origin.ID, origin.State)
	}

	var satisfied bool
	switch method {
	case MethodDNSTXT:
		satisfied, err = s.checkDNS(ctx, origin)
	case MethodHTTPFile:
		satisfied, err = s.checkHTTPFile(ctx, origin)
	case MethodHeader:
		satisfied, err = s.checkHeader(ctx, origin)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeFailed, err)
	}
	if !satisfied {
		return nil, fmt.Errorf("%w: token not found via %s", ErrChallengeFailed, method)
	}
	if err := s.store.MarkOriginVerified(orgID, originID, method); err != nil {
		return nil, err
	}
	s.logger.Info("origin verified", "origin_id", originID, "org_id", orgID, "method", method)
	return s.store.GetOrigin(orgID, originID)
}

func (s *Service) checkDNS(ctx context.Context, origin *models.Origin) (bool, error) {
	host, err := core.OriginHost(origin.OriginURL)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, LookupTimeout)
	defer cancel()
	records, err := s.resolver.LookupTXT(ctx, TXTLabel+"."+host)
	if err != nil {
		return false, err
	}
	for _, record := range records {
		if strings.TrimSpace(record) == origin.ChallengeToken {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) checkHTTPFile(ctx context.Context, origin *models.Origin) (bool, error) {
	body, _, err := s.fetch(ctx, origin.OriginURL+WellKnownPath)
	if err != nil {
		return false, err
	}
	return strings.Contains(body, origin.ChallengeToken), nil
}

func (s *Service) checkHeader(ctx context.Context, origin *models.Origin) (bool, error) {
	_, header, err := s.fetch(ctx, origin.OriginURL+"/")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(header.Get(HeaderName)) == origin.ChallengeToken, nil
}

func (s *Service) fetch(ctx context.Context, target string) (string, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", resp.Header, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", resp.Header, err
	}
	return string(body), resp.Header, nil
}

// Revoke terminates an origin.
func (s *Service) Revoke(orgID, originID, actor string) error {
	return s.store.RevokeOrigin(orgID, originID, actor)
}

// List returns the org's origins.
func (s *Service) List(orgID string) ([]models.Origin, error) {
	return s.store.ListOrigins(orgID)
}

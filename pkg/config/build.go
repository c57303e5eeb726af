package config

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/apifetch/pkg/auth"
	"github.com/Sternrassler/apifetch/pkg/client"
	"github.com/Sternrassler/apifetch/pkg/codec"
	"github.com/Sternrassler/apifetch/pkg/endpoint"
	"github.com/Sternrassler/apifetch/pkg/extract"
	"github.com/Sternrassler/apifetch/pkg/logging"
	"github.com/Sternrassler/apifetch/pkg/ratelimit"
	"github.com/Sternrassler/apifetch/pkg/session"
	"github.com/Sternrassler/apifetch/pkg/state"
)

// Runtime is everything built from a File.
type Runtime struct {
	Client client.Config
	State  state.Store

	// Redis is set when quota tracking or the Redis state backend is used.
	Redis *redis.Client
}

// Close releases the Redis connection, if any.
func (r *Runtime) Close() error {
	if r.Redis == nil {
		return nil
	}
	return r.Redis.Close()
}

// Build turns f into a client configuration, an interceptor chain and a
// checkpoint store.
func Build(f *File) (*Runtime, error) {
	rt := &Runtime{}

	if f.RateLimit.Quota.Enabled || f.State.Backend == "redis" {
		rt.Redis = redis.NewClient(&redis.Options{
			Addr:     f.Redis.Addr,
			Password: f.Redis.Password,
			DB:       f.Redis.DB,
		})
	}

	strategy, err := BuildAuth(f.Auth)
	if err != nil {
		rt.Close()
		return nil, err
	}

	endpoints := make([]*endpoint.Endpoint, 0, len(f.Endpoints))
	for _, ef := range f.Endpoints {
		ep, err := BuildEndpoint(ef)
		if err != nil {
			rt.Close()
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}

	cfg := client.DefaultConfig(f.BaseURL, strategy, endpoints...)
	if f.UserAgent != "" {
		cfg.UserAgent = f.UserAgent
	}
	if f.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: f.Timeout}
	}
	cfg.Interceptors = interceptors(f, rt.Redis)
	rt.Client = cfg

	if f.State.Backend == "redis" {
		rt.State = state.NewRedisStore(rt.Redis, f.State.TTL)
	} else {
		rt.State = state.NewMemoryStore()
	}
	return rt, nil
}

// interceptors orders the chain outermost first: quota gating, pacing, then
// backoff so each retry is paced and counted against the quota.
func interceptors(f *File, rdb *redis.Client) []session.Interceptor {
	var chain []session.Interceptor
	rl := f.RateLimit

	if rl.Quota.Enabled {
		qc := ratelimit.DefaultQuotaConfig(rl.Quota.API)
		if rl.Quota.RemainingHeader != "" {
			qc.RemainingHeader = rl.Quota.RemainingHeader
		}
		if rl.Quota.ResetHeader != "" {
			qc.ResetHeader = rl.Quota.ResetHeader
		}
		chain = append(chain, ratelimit.NewQuotaTracker(rdb, qc, logging.NewLogger("quota")))
	}
	if rl.RPS > 0 {
		chain = append(chain, ratelimit.NewPacer(rl.RPS, rl.Burst))
	}
	if rl.Backoff.Enabled {
		bc := ratelimit.DefaultBackoffConfig()
		bc.MaxRetries = rl.Backoff.MaxRetries
		if rl.Backoff.Initial > 0 {
			bc.InitialBackoff = rl.Backoff.Initial
		}
		if rl.Backoff.Max > 0 {
			bc.MaxBackoff = rl.Backoff.Max
		}
		bc.RetryServerErrors = rl.Backoff.ServerErrors
		chain = append(chain, ratelimit.NewBackoff(bc))
	}
	return chain
}

// BuildAuth creates the strategy selected by a.Type.
func BuildAuth(a AuthFile) (auth.Strategy, error) {
	switch a.Type {
	case "", "none":
		return auth.NoAuth{}, nil
	case "bearer":
		if a.TokenEnv != "" {
			name := a.TokenEnv
			return auth.NewBearer("", func(context.Context) (string, error) {
				token := os.Getenv(name)
				if token == "" {
					return "", fmt.Errorf("environment variable %s is empty", name)
				}
				return token, nil
			})
		}
		return auth.NewBearer(a.Token, nil)
	case "basic":
		return auth.NewBasic(a.Username, a.Password, a.Headers), nil
	case "oauth2":
		cfg := auth.DefaultOAuth2Config(a.TokenURL, a.ClientID, a.ClientSecret, a.RefreshToken)
		cfg.ExtraHeaders = a.Headers
		if a.ExpiresInField != "" {
			cfg.ExpiresInField = a.ExpiresInField
		}
		if a.RequestTimeout > 0 {
			cfg.RequestTimeout = a.RequestTimeout
		}
		if a.ClockSkew > 0 {
			cfg.ClockSkewMargin = a.ClockSkew
		}
		return auth.NewOAuth2RefreshToken(cfg)
	default:
		return nil, fmt.Errorf("unknown auth type %q", a.Type)
	}
}

// BuildEndpoint creates an endpoint descriptor.
func BuildEndpoint(ef EndpointFile) (*endpoint.Endpoint, error) {
	ep := &endpoint.Endpoint{
		Name:          ef.Name,
		Path:          ef.Path,
		Method:        ef.Method,
		DefaultParams: ef.Params,
		Stream:        ef.Stream,
	}
	fail := func(err error) (*endpoint.Endpoint, error) {
		return nil, fmt.Errorf("endpoint %q: %w", ef.Name, err)
	}

	switch ef.Codec {
	case "", "json":
	case "csv":
		c := codec.CSV{}
		if ef.CSVDelimiter != "" {
			c.Delimiter = []rune(ef.CSVDelimiter)[0]
		}
		ep.Codec = c
	case "soap":
		var (
			builder codec.EnvelopeBuilder
			err     error
		)
		if ef.SOAP.Envelope != "" {
			builder, err = codec.NewTemplate(ef.SOAP.Envelope)
		} else {
			builder, err = codec.NewBodyTemplate(ef.SOAP.Body)
		}
		if err != nil {
			return fail(err)
		}
		ep.Codec = codec.SOAP{Action: ef.SOAP.Action, Envelope: builder}
		if ep.Method == "" {
			ep.Method = http.MethodPost
		}
	default:
		return fail(fmt.Errorf("unknown codec %q", ef.Codec))
	}

	if x := ef.Extract; x != nil {
		switch {
		case x.Path != "":
			ep.Extractor = extract.Path(x.Path)
		case x.XPath != "":
			xp, err := extract.NewXPath(x.XPath)
			if err != nil {
				return fail(err)
			}
			ep.Extractor = xp
		case x.Records != nil:
			rules := make(map[string]extract.FieldRule, len(x.Records.Fields))
			for name, fr := range x.Records.Fields {
				rules[name] = extract.FieldRule{XPath: fr.XPath, Multi: fr.Multi, Container: fr.Container, Join: fr.Join}
			}
			rec, err := extract.NewXMLRecords(x.Records.Items, rules)
			if err != nil {
				return fail(err)
			}
			ep.Extractor = rec
		}
	}

	if p := ef.Paginate; p != nil {
		switch p.Type {
		case "none":
			ep.Paginator = endpoint.NoPagination{}
		case "cursor_link":
			ep.Paginator = endpoint.CursorLink{Path: p.Path}
		case "token_echo":
			ep.Paginator = endpoint.TokenEcho{ResponsePath: p.Path, RequestField: p.RequestField}
		case "offset_limit":
			ep.Paginator = endpoint.OffsetLimit{
				OffsetField: p.OffsetField,
				LimitField:  p.LimitField,
				ItemsPath:   p.ItemsPath,
				TotalPath:   p.TotalPath,
			}
		default:
			return fail(fmt.Errorf("unknown pagination type %q", p.Type))
		}
	}

	if u := ef.URL; u != nil {
		if u.Template != "" {
			ep.URLBuilder = endpoint.PathTemplate(u.Template)
		} else {
			ep.URLBuilder = endpoint.FieldURL{Field: u.Field}
		}
	}
	if ef.Download != nil {
		ep.Download = endpoint.DownloadAt{Path: ef.Download.Path}
	}

	if err := ep.Validate(); err != nil {
		return nil, err
	}
	return ep, nil
}

// Package salesforce writes records to Salesforce over the REST API using
// JWT bearer authentication.
package salesforce

import (
	"context"
	"fmt"
	"os"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client is the subset of the Salesforce API the write-back worker needs.
type Client interface {
	InsertOne(ctx context.Context, sObjectName string, record map[string]any) (string, error)
	UpdateOne(ctx context.Context, sObjectName string, id string, fields map[string]any) error
}

// Config holds JWT bearer credentials and the API rate limit.
type Config struct {
	ClientID          string
	Username          string
	KeyPath           string
	LoginURL          string
	RequestsPerSecond float64
	Burst             int
}

// ClientOption configures the Salesforce client.
type ClientOption func(*sfClient)

// WithRateLimit caps API calls at rps with the given burst. A burst below one
// uses the integer part of rps.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *sfClient) {
		if rps <= 0 {
			return
		}
		if burst < 1 {
			burst = max(int(rps), 1)
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// sfClient wraps go-salesforce. The library takes no context, so ctx only
// bounds the wait on the rate limiter.
type sfClient struct {
	sf      *salesforce.Salesforce
	limiter *rate.Limiter
}

// NewClient wraps an initialized go-salesforce instance.
func NewClient(sf *salesforce.Salesforce, opts ...ClientOption) Client {
	c := &sfClient{sf: sf}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial authenticates with the JWT bearer flow and returns a rate-limited
// Client.
func Dial(cfg Config) (Client, error) {
	if cfg.ClientID == "" || cfg.Username == "" {
		return nil, eris.New("sf: client id and username are required")
	}
	pem, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "sf: read JWT private key")
	}
	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.LoginURL,
		Username:       cfg.Username,
		ConsumerKey:    cfg.ClientID,
		ConsumerRSAPem: string(pem),
	})
	if err != nil {
		return nil, eris.Wrap(err, "sf: init")
	}
	return NewClient(sf, WithRateLimit(cfg.RequestsPerSecond, cfg.Burst)), nil
}

func (c *sfClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return eris.Wrap(c.limiter.Wait(ctx), "sf: rate limit")
}

func (c *sfClient) InsertOne(ctx context.Context, sObjectName string, record map[string]any) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	result, err := c.sf.InsertOne(sObjectName, record)
	if err != nil {
		return "", eris.Wrapf(classify(err), "sf: insert %s", sObjectName)
	}
	if !result.Success {
		return "", eris.Wrapf(classify(fmt.Errorf("%v", result.Errors)), "sf: insert %s failed", sObjectName)
	}
	return result.Id, nil
}

func (c *sfClient) UpdateOne(ctx context.Context, sObjectName string, id string, fields map[string]any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	record := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		record[k] = v
	}
	record["Id"] = id
	if err := c.sf.UpdateOne(sObjectName, record); err != nil {
		return eris.Wrapf(classify(err), "sf: update %s %s", sObjectName, id)
	}
	return nil
}

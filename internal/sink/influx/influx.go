// Package influx writes points to InfluxDB v2 through the official client.
package influx

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/loykin/cradle/internal/sink"
)

// Sink writes one point per event with the blocking write API.
// InfluxDB keys a point by measurement, tag set and timestamp, so rewriting
// the same event replaces the stored point instead of duplicating it.
type Sink struct {
	client influxdb2.Client
	writes api.WriteAPIBlocking
}

func New(baseURL, org, bucket string, opt sink.Options) *Sink {
	timeout := opt.Timeout
	if timeout < time.Second {
		timeout = 5 * time.Second
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(timeout / time.Second)).
		SetPrecision(time.Nanosecond)
	c := influxdb2.NewClientWithOptions(baseURL, opt.Token, opts)
	return &Sink{client: c, writes: c.WriteAPIBlocking(org, bucket)}
}

func (s *Sink) Idempotent() bool { return true }

func (s *Sink) Close() error {
	s.client.Close()
	return nil
}

func (s *Sink) Write(ctx context.Context, p sink.Point) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.writes.WritePoint(ctx, NewPoint(p)); err != nil {
		return statusError(err)
	}
	return nil
}

// Ping checks the server's /ping endpoint.
func (s *Sink) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return statusError(err)
	}
	if !ok {
		return errors.New("influxdb ping failed")
	}
	return nil
}

// NewPoint converts p into a client point. Empty tags are dropped.
func NewPoint(p sink.Point) *write.Point {
	tags := make(map[string]string, len(p.Tags))
	for k, v := range p.Tags {
		if v != "" {
			tags[k] = v
		}
	}
	return write.NewPoint(p.Measurement, tags, p.Fields, p.Time)
}

func statusError(err error) error {
	var he *ihttp.Error
	if errors.As(err, &he) && he.StatusCode > 0 {
		return &sink.StatusError{Backend: "influxdb", Code: he.StatusCode, Body: he.Message}
	}
	return fmt.Errorf("influxdb: %w", err)
}

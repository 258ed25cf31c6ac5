// Package grpcclient runs the meeting pipeline against a remote inference
// server.
package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	apperr "github.com/minutemate/platform/internal/errors"
	"github.com/minutemate/platform/internal/pipeline"
	"github.com/minutemate/platform/internal/resilience"
	"github.com/minutemate/platform/internal/trace"
)

// Config for the inference client.
type Config struct {
	Addr              string
	Language          string
	TranscribeTimeout time.Duration
	AnalyzeTimeout    time.Duration
	Breaker           resilience.Config
	DialOptions       []grpc.DialOption
}

// Client wraps the inference service connection
type Client struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	breaker *resilience.Breaker
	cfg     Config
}

var _ pipeline.Pipeline = (*Client)(nil)

// New creates an inference client. The connection is established lazily.
func New(cfg Config) (*Client, error) {
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = DefaultTranscribeTimeout
	}
	if cfg.AnalyzeTimeout <= 0 {
		cfg.AnalyzeTimeout = DefaultAnalyzeTimeout
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker = resilience.InferenceConfig()
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    DefaultKeepaliveTime,
			Timeout: DefaultKeepaliveTimeout,
		}),
		grpc.WithUnaryInterceptor(trace.UnaryClientInterceptor()),
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.ConfigInvalid, "inference address %q", cfg.Addr)
	}

	return &Client{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		breaker: resilience.New(cfg.Breaker),
		cfg:     cfg,
	}, nil
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Breaker exposes the circuit state for health reporting.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

// WaitReady polls the server's health endpoint until it reports SERVING.
func (c *Client) WaitReady(ctx context.Context) error {
	err := resilience.Retry(ctx, resilience.ReadinessRetryConfig(), func() error {
		cctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
		defer cancel()

		resp, err := c.health.Check(cctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			return err
		}
		if s := resp.GetStatus(); s != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("inference server is %s", s)
		}
		return nil
	})
	if err != nil {
		return apperr.Wrapf(err, apperr.ModelUnavailable, "inference server at %s not ready", c.cfg.Addr)
	}
	return nil
}

// Process transcribes (unless a transcript is supplied) and analyses a meeting.
func (c *Client) Process(ctx context.Context, in pipeline.Input) (pipeline.Result, error) {
	ctx, span := trace.StartSpan(ctx, "inference.process")
	defer span.End()

	transcript, words := in.Transcript, []pipeline.WordSpan(nil)
	if transcript == "" {
		var err error
		transcript, words, err = c.Transcribe(ctx, in.Audio, in.Format, in.SampleRate)
		if err != nil {
			span.SetAttr("error", err.Error())
			return pipeline.Result{}, err
		}
	}
	if strings.TrimSpace(transcript) == "" {
		return pipeline.Result{}, apperr.New(apperr.TranscriptionFailed, "no speech recognised")
	}
	span.SetAttr("transcript_chars", len(transcript))

	summary, err := c.Summarize(ctx, transcript)
	if err != nil {
		return pipeline.Result{}, err
	}

	var classified []pipeline.Classification
	if sentences := pipeline.Sentences(transcript); len(sentences) > 0 {
		classified, err = c.ClassifySentences(ctx, sentences, pipeline.CandidateLabels)
		if err != nil {
			return pipeline.Result{}, err
		}
	}

	return pipeline.Assemble(transcript, words, summary, classified)
}

// Transcribe sends audio for transcription with word timings.
func (c *Client) Transcribe(ctx context.Context, audio []byte, format string, sampleRate int) (string, []pipeline.WordSpan, error) {
	ctx = metadata.AppendToOutgoingContext(ctx,
		mdAudioFormat, format,
		mdSampleRate, strconv.Itoa(sampleRate),
		mdLanguage, c.cfg.Language,
	)

	resp := &structpb.Struct{}
	if err := c.invoke(ctx, c.cfg.TranscribeTimeout, methodTranscribe, wrapperspb.Bytes(audio), resp); err != nil {
		return "", nil, mapError(err, apperr.TranscriptionFailed, "transcribe")
	}
	text, words := decodeTranscript(resp)
	return text, words, nil
}

// Summarize produces an abstractive summary of text.
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	resp := &wrapperspb.StringValue{}
	if err := c.invoke(ctx, c.cfg.AnalyzeTimeout, methodSummarize, wrapperspb.String(text), resp); err != nil {
		return "", mapError(err, apperr.ModelUnavailable, "summarize")
	}
	return resp.GetValue(), nil
}

// ClassifySentences returns each sentence's top zero-shot label.
func (c *Client) ClassifySentences(ctx context.Context, sentences, labels []string) ([]pipeline.Classification, error) {
	req, err := structpb.NewStruct(map[string]any{
		"sentences": toAnySlice(sentences),
		"labels":    toAnySlice(labels),
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "encode classify request")
	}

	resp := &structpb.Struct{}
	if err := c.invoke(ctx, c.cfg.AnalyzeTimeout, methodClassify, req, resp); err != nil {
		return nil, mapError(err, apperr.ModelUnavailable, "classify")
	}
	return decodeClassifications(resp), nil
}

func (c *Client) invoke(ctx context.Context, timeout time.Duration, method string, req, resp proto.Message) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.breaker.Execute(func() error {
		return c.conn.Invoke(ctx, method, req, resp)
	})
}

// mapError keeps typed pipeline failures from the server and folds
// everything else into fallback.
func mapError(err error, fallback apperr.Code, op string) error {
	if errors.Is(err, resilience.ErrOpen) {
		return apperr.Wrapf(err, apperr.ModelUnavailable, "%s: inference server circuit open", op)
	}
	ae := apperr.FromGRPCError(err)
	switch ae.Code {
	case apperr.ModelUnavailable, apperr.TranscriptionFailed:
		return ae
	}
	return apperr.Wrapf(err, fallback, "%s: %s", op, ae.Message)
}

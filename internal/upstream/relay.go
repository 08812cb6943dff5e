package upstream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/config"
	"github.com/mstiller/switchboard/internal/router"
	"github.com/mstiller/switchboard/internal/transcode"
)

// usageOutcome collects what one finished attempt learned for accounting.
type usageOutcome struct {
	start      time.Time
	ttft       time.Duration // zero when no byte reached the client
	usage      *transcode.Usage
	finish     string
	streamed   bool
	ok         bool
	reason     string
	outputText string
	dstFam     gateway.APIFamily
}

// relayBuffered reads the whole upstream body, translates it, and writes it
// to the client.
func (d *Dispatcher) relayBuffered(ctx context.Context, w http.ResponseWriter,
	req Request, res router.Resolution, t gateway.Target,
	b *transcode.Binding, dstFam gateway.APIFamily, resp *http.Response,
	start time.Time, requestID string,
) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
	resp.Body.Close()
	if err != nil {
		d.cool.OnServerError(t.ProviderID, t.Model)
		d.failLate(ctx, w, req, res, t, requestID, "read upstream body: "+err.Error())
		return
	}

	result, err := transcode.Response(dstFam, req.Family, body, b)
	if err != nil {
		d.recordDebug(requestID, req.Body, nil, body, nil)
		d.failLate(ctx, w, req, res, t, requestID, "translate response: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Body)

	d.finish(ctx, req, res, t, requestID, usageOutcome{
		start:      start,
		ttft:       d.clock.Now().Sub(start),
		usage:      result.Usage,
		finish:     result.FinishReason,
		ok:         true,
		outputText: result.OutputText,
		dstFam:     dstFam,
	})
}

// relayStream translates the upstream SSE stream chunk by chunk, flushing
// each complete frame. An inter-chunk watchdog closes the body if the
// upstream goes quiet.
func (d *Dispatcher) relayStream(ctx context.Context, w http.ResponseWriter,
	req Request, res router.Resolution, t gateway.Target,
	b *transcode.Binding, dstFam gateway.APIFamily, resp *http.Response,
	start time.Time, requestID string,
) {
	streamer, err := transcode.NewStreamer(dstFam, req.Family, b)
	if err != nil {
		resp.Body.Close()
		d.failLate(ctx, w, req, res, t, requestID, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	watchdog := time.AfterFunc(idleTimeout, func() { resp.Body.Close() })
	defer watchdog.Stop()

	var ttft time.Duration
	writeFrames := func(frames [][]byte) {
		for _, f := range frames {
			if _, err := w.Write(f); err != nil {
				return
			}
			if ttft == 0 {
				ttft = d.clock.Now().Sub(start)
				if d.metrics != nil {
					d.metrics.TTFT.WithLabelValues(t.ProviderID, t.Model).Observe(ttft.Seconds())
				}
			}
		}
		if len(frames) > 0 && flusher != nil {
			flusher.Flush()
		}
	}

	buf := make([]byte, readChunkSize)
	var readErr error
	for {
		n, err := resp.Body.Read(buf)
		watchdog.Reset(idleTimeout)
		if n > 0 {
			writeFrames(streamer.Feed(buf[:n]))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = err
			break
		}
	}
	resp.Body.Close()

	finFrames, finErr := streamer.Finish()
	writeFrames(finFrames)

	out := usageOutcome{
		start:      start,
		ttft:       ttft,
		usage:      streamer.Usage(),
		finish:     streamer.FinishReason(),
		streamed:   true,
		ok:         readErr == nil && finErr == nil,
		outputText: streamer.OutputText(),
		dstFam:     dstFam,
	}

	switch {
	case ctx.Err() != nil:
		out.ok = false
		out.reason = string(gateway.KindClientCancel)
		d.recordDebug(requestID, req.Body, nil, nil, streamer.Snapshot())
	case !out.ok:
		out.reason = string(gateway.KindStreamTruncated)
		msg := "upstream stream truncated"
		if readErr != nil {
			msg = readErr.Error()
		}
		d.recordError(ctx, gateway.ErrorRecord{
			RequestID:     requestID,
			Kind:          gateway.KindStreamTruncated,
			ProviderID:    t.ProviderID,
			UpstreamModel: t.Model,
			Message:       msg,
		})
		d.recordDebug(requestID, req.Body, nil, nil, streamer.Snapshot())
	}

	d.finish(ctx, req, res, t, requestID, out)
}

// failLate handles failures after the attempt loop has committed to this
// target but before any response byte went out.
func (d *Dispatcher) failLate(ctx context.Context, w http.ResponseWriter,
	req Request, res router.Resolution, t gateway.Target, requestID, msg string,
) {
	d.recordError(ctx, gateway.ErrorRecord{
		RequestID:     requestID,
		Kind:          gateway.KindUpstreamServerError,
		ProviderID:    t.ProviderID,
		UpstreamModel: t.Model,
		Message:       msg,
	})
	WriteError(w, req.Family, http.StatusBadGateway, gateway.KindUpstreamServerError, msg)
	d.recordUsage(ctx, req, res, t, usageOutcome{
		reason: string(gateway.KindUpstreamServerError),
	}, requestID)
}

// finish emits metrics, the performance sample, and the usage record for a
// served attempt.
func (d *Dispatcher) finish(ctx context.Context, req Request, res router.Resolution,
	t gateway.Target, requestID string, out usageOutcome,
) {
	total := d.clock.Now().Sub(out.start)
	if d.metrics != nil {
		d.metrics.UpstreamDuration.WithLabelValues(t.ProviderID, t.Model).Observe(total.Seconds())
	}

	if out.ok && out.usage != nil && out.usage.CompletionTokens > 0 {
		gen := total - out.ttft
		tps := 0.0
		if gen > 0 {
			tps = float64(out.usage.CompletionTokens) / gen.Seconds()
		}
		d.journal.RecordPerformance(gateway.PerformanceSample{
			ProviderID:    t.ProviderID,
			UpstreamModel: t.Model,
			TS:            d.clock.Now(),
			TTFTMs:        out.ttft.Milliseconds(),
			TokensPerSec:  tps,
		})
	}

	d.recordUsage(ctx, req, res, t, out, requestID)
}

// recordUsage writes the per-request accounting record. Exactly one is
// written per dispatched request.
func (d *Dispatcher) recordUsage(ctx context.Context, req Request, res router.Resolution,
	t gateway.Target, out usageOutcome, requestID string,
) {
	now := d.clock.Now()
	start := out.start
	if start.IsZero() {
		d.mu.Lock()
		if fl := d.inflight[requestID]; fl != nil {
			start = fl.StartedAt
		} else {
			start = now
		}
		d.mu.Unlock()
	}

	rec := gateway.UsageRecord{
		RequestID:      requestID,
		TS:             now,
		AliasRequested: req.Model,
		AliasUsed:      res.AliasUsed,
		ProviderID:     t.ProviderID,
		UpstreamModel:  t.Model,
		APIFamilyIn:    req.Family,
		APIFamilyOut:   out.dstFam,
		TTFTMs:         out.ttft.Milliseconds(),
		TotalMs:        now.Sub(start).Milliseconds(),
		Streamed:       out.streamed,
		OK:             out.ok,
		Reason:         out.reason,
	}
	if k := gateway.KeyFromContext(ctx); k != nil {
		rec.ClientKeyName = k.Name
	}

	snap := d.source.Current()
	provider := snap.Providers[t.ProviderID]

	usage := out.usage
	if usage == nil && provider != nil && provider.EstimateTokens && out.ok {
		prompt := d.counter.Count(t.Model, string(req.Body))
		completion := d.counter.Count(t.Model, out.outputText)
		usage = &transcode.Usage{PromptTokens: prompt, CompletionTokens: completion}
	}
	if usage != nil {
		rec.PromptTokens = &usage.PromptTokens
		rec.CompletionTokens = &usage.CompletionTokens
		rec.CachedTokens = usage.CachedTokens
		rec.CacheWriteTokens = usage.CacheWriteTokens
		if rec.TotalMs > rec.TTFTMs && usage.CompletionTokens > 0 {
			rec.TokensPerSec = float64(usage.CompletionTokens) /
				(float64(rec.TotalMs-rec.TTFTMs) / 1000)
		}
		rec.CostUSD = d.cost(provider, t.Model, usage)
		if d.metrics != nil && t.ProviderID != "" {
			d.metrics.TokensProcessed.WithLabelValues(t.ProviderID, t.Model, "prompt").
				Add(float64(usage.PromptTokens))
			d.metrics.TokensProcessed.WithLabelValues(t.ProviderID, t.Model, "completion").
				Add(float64(usage.CompletionTokens))
			d.metrics.CostUSD.WithLabelValues(t.ProviderID, t.Model).Add(rec.CostUSD)
		}
	}

	d.journal.RecordUsage(ctx, rec)
}

func (d *Dispatcher) cost(provider *config.Provider, model string, u *transcode.Usage) float64 {
	if provider == nil {
		return 0
	}
	m, ok := provider.Models[model]
	if !ok {
		return 0
	}
	return m.Pricing.Cost(u.PromptTokens, u.CompletionTokens, u.CachedTokens, provider.Discount, d.slugs)
}

func (d *Dispatcher) recordError(ctx context.Context, rec gateway.ErrorRecord) {
	rec.TS = d.clock.Now()
	d.journal.RecordError(rec)
	slog.LogAttrs(ctx, slog.LevelWarn, "upstream error recorded",
		slog.String("request_id", rec.RequestID),
		slog.String("kind", string(rec.Kind)),
		slog.String("provider", rec.ProviderID),
		slog.Int("status", rec.StatusCode),
	)
}

func (d *Dispatcher) recordDebug(requestID string, rawReq, sentReq, rawResp, reconResp []byte) {
	d.journal.RecordDebug(gateway.DebugTrace{
		RequestID:           requestID,
		TS:                  d.clock.Now(),
		RawRequest:          rawReq,
		TransformedRequest:  sentReq,
		RawResponse:         rawResp,
		TransformedResponse: reconResp,
	})
}

package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v1 "flagsync/pkg/api/v1"
	"flagsync/pkg/constraints"
	"flagsync/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const defaultHeartbeatTimeout = 25 * time.Second

// VersionWatcher keeps a local copy of the published versions of one
// environment: a snapshot first, then the version stream from its revision.
type VersionWatcher struct {
	addr             string
	apiKey           string
	httpClient       *http.Client
	heartbeatTimeout time.Duration

	mu       sync.RWMutex
	versions map[string]v1.PublishedVersion // by sha
	lastRev  int64

	ctx    context.Context
	cancel context.CancelFunc
}

func NewVersionWatcher(addr, apiKey string) *VersionWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &VersionWatcher{
		addr:             strings.TrimRight(addr, "/"),
		apiKey:           apiKey,
		httpClient:       &http.Client{Timeout: 0},
		heartbeatTimeout: defaultHeartbeatTimeout,
		versions:         make(map[string]v1.PublishedVersion),
		ctx:              ctx,
		cancel:           cancel,
	}
}

func (w *VersionWatcher) Start() error {
	if err := w.fetchSnapshot(); err != nil {
		return err
	}
	go w.runWatchLoop()
	return nil
}

func (w *VersionWatcher) Stop() {
	w.cancel()
}

func (w *VersionWatcher) Revision() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastRev
}

// Current returns the version of featureID live at asOf, preferring the
// latest live_from and then the newest revision.
func (w *VersionWatcher) Current(featureID uint64, asOf time.Time) (v1.PublishedVersion, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var best v1.PublishedVersion
	found := false
	for _, v := range w.versions {
		if v.FeatureID != featureID || v.LiveFrom.After(asOf) {
			continue
		}
		if !found || v.LiveFrom.After(best.LiveFrom) ||
			(v.LiveFrom.Equal(best.LiveFrom) && v.Revision > best.Revision) {
			best, found = v, true
		}
	}
	return best, found
}

func (w *VersionWatcher) fetchSnapshot() error {
	req, err := http.NewRequestWithContext(w.ctx, http.MethodGet, w.addr+"/api/v1/versions/snapshot", nil)
	if err != nil {
		return err
	}
	req.Header.Set(constraints.HeaderEnvironmentKey, w.apiKey)

	var res struct {
		Data     []v1.PublishedVersion `json:"data"`
		Revision int64                 `json:"revision"`
	}
	if err := send(w.httpClient, req, &res); err != nil {
		logger.Error("failed to fetch version snapshot", zap.Error(err))
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.versions = make(map[string]v1.PublishedVersion, len(res.Data))
	for _, v := range res.Data {
		w.versions[v.Sha] = v
	}
	w.lastRev = res.Revision
	return nil
}

func (w *VersionWatcher) runWatchLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for w.ctx.Err() == nil {
		err := w.watchOnce()
		if w.ctx.Err() != nil {
			return
		}
		if err == nil {
			bo.Reset()
			continue
		}
		delay := bo.NextBackOff()
		logger.Warn("version stream disconnected", zap.Duration("retry_in", delay), zap.Error(err))
		select {
		case <-time.After(delay):
		case <-w.ctx.Done():
			return
		}
	}
}

// watchOnce follows one stream connection. It returns nil when the server
// asked for a reset and the snapshot was refetched.
func (w *VersionWatcher) watchOnce() error {
	reqCtx, reqCancel := context.WithCancel(w.ctx)
	defer reqCancel()

	url := fmt.Sprintf("%s/api/v1/versions/stream?last_rev=%d", w.addr, w.Revision())
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(constraints.HeaderEnvironmentKey, w.apiKey)
	res, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return &StatusError{Code: res.StatusCode}
	}

	lastActivity := time.Now().UnixNano()
	go func() {
		ticker := time.NewTicker(w.heartbeatTimeout / 5)
		defer ticker.Stop()
		for {
			select {
			case <-reqCtx.Done():
				return
			case <-ticker.C:
				if time.Since(time.Unix(0, atomic.LoadInt64(&lastActivity))) > w.heartbeatTimeout {
					logger.Warn("version stream heartbeat timeout, reconnecting")
					reqCancel()
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(res.Body)
	var event string
	var data bytes.Buffer
	for scanner.Scan() {
		atomic.StoreInt64(&lastActivity, time.Now().UnixNano())
		line := scanner.Text()

		switch {
		case line == "":
			switch event {
			case "reset":
				logger.Warn("stream reset, refetching version snapshot")
				return w.fetchSnapshot()
			case "ping":
			default:
				if data.Len() > 0 {
					var msg v1.Message
					if err := json.Unmarshal(data.Bytes(), &msg); err != nil {
						logger.Error("failed to decode version message", zap.Error(err))
					} else {
						w.handleUpdate(msg)
					}
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed by server")
}

func (w *VersionWatcher) handleUpdate(msg v1.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if msg.Revision <= w.lastRev {
		return
	}
	switch msg.Action {
	case constraints.DELETE:
		delete(w.versions, msg.Sha)
	case constraints.PUT:
		w.versions[msg.Sha] = v1.PublishedVersion{
			Sha:           msg.Sha,
			EnvironmentID: msg.EnvironmentID,
			FeatureID:     msg.FeatureID,
			LiveFrom:      msg.LiveFrom,
			Snapshot:      msg.Snapshot,
			Revision:      msg.Revision,
		}
	default:
		logger.Warn("unknown action in version message", zap.Int32("action", int32(msg.Action)))
	}
	w.lastRev = msg.Revision
	logger.Debug("version stream update", zap.String("sha", msg.Sha), zap.Int64("rev", msg.Revision))
}

package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kleis/kleis/internal/accountsvc"
	"github.com/kleis/kleis/internal/apikeyauth"
	"github.com/kleis/kleis/internal/domain"
	"github.com/kleis/kleis/internal/proxy"
	"github.com/kleis/kleis/internal/ratelimit"
	"github.com/kleis/kleis/internal/usagerecorder"
)

// proxiedStripHeaders are stripped from the caller's request before a preparer
// sees it, per §4.4/§4.8's shared invariant that preparers never see the
// caller's own auth.
var proxiedStripHeaders = []string{"Authorization", "x-api-key", "Host", "Content-Length"}

type proxyDeps struct {
	accounts  *accountsvc.Service
	preparers *proxy.PreparerRegistry
	recorder  *usagerecorder.Recorder
	upstream  *http.Client
	timeout   time.Duration
	limiter   *ratelimit.Limiter
}

func registerProxyRoutes(group *gin.RouterGroup, deps proxyDeps) {
	for _, route := range domain.RouteTable {
		route := route
		group.Handle(route.Method, route.Path, proxyHandler(route, deps))
	}
}

func proxyHandler(route domain.Route, deps proxyDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		startedAt := time.Now()

		key, ok := apikeyauth.FromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid api key"})
			return
		}

		body, rawModel, err := apikeyauth.ReadBodyModel(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
			return
		}

		ip := clientIPFromContext(c)

		if err := apikeyauth.Authorize(key, route, rawModel); err != nil {
			deps.limiter.RecordFailure(ratelimit.ProxyPolicy, ip)
			var authErr *apikeyauth.Error
			if errors.As(err, &authErr) {
				status := http.StatusForbidden
				c.AbortWithStatusJSON(status, gin.H{"error": authErr.Msg})
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		deps.limiter.RecordSuccess(ratelimit.ProxyPolicy, ip)

		upstreamModel := domain.NormalizeModelPrefix(route, rawModel)
		if upstreamModel != rawModel && rawModel != "" {
			if rewritten, err := sjson.SetBytes(body, "model", upstreamModel); err == nil {
				body = rewritten
			}
		}

		recordEarlyFailure := func(status int) {
			deps.recorder.NewRequest(domain.UsageBucketKey{
				BucketStart:       domain.BucketStart(startedAt),
				ApiKeyID:          key.ID,
				ProviderAccountID: domain.MissingAccountSentinel,
				Provider:          route.InternalProvider,
				Endpoint:          route.Endpoint,
				Model:             upstreamModel,
			}).Complete(status, time.Since(startedAt).Milliseconds(), startedAt)
		}

		account, err := deps.accounts.GetPrimaryProviderAccount(c.Request.Context(), route.InternalProvider, startedAt)
		if err != nil {
			if errors.Is(err, accountsvc.ErrAccountMissing) {
				recordEarlyFailure(http.StatusBadRequest)
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "account_missing", "message": "no primary account for provider"})
				return
			}
			log.WithError(err).WithField("provider", route.InternalProvider).Warn("proxy: failed to resolve primary account")
			recordEarlyFailure(http.StatusBadGateway)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "token_refresh_failed"})
			return
		}

		bucketKey := domain.UsageBucketKey{
			BucketStart:       domain.BucketStart(startedAt),
			ApiKeyID:          key.ID,
			ProviderAccountID: account.ID,
			Provider:          route.InternalProvider,
			Endpoint:          route.Endpoint,
			Model:             upstreamModel,
		}
		handle := deps.recorder.NewRequest(bucketKey)

		preparer, ok := deps.preparers.Get(route.InternalProvider)
		if !ok {
			log.WithField("provider", route.InternalProvider).Error("proxy: no preparer registered for route's internal provider")
			handle.Complete(http.StatusInternalServerError, time.Since(startedAt).Milliseconds(), startedAt)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "provider_not_supported"})
			return
		}

		header := c.Request.Header.Clone()
		for _, h := range proxiedStripHeaders {
			header.Del(h)
		}

		prepared, err := preparer.Prepare(proxy.PreparerInput{
			Route:    route,
			Account:  account,
			Header:   header,
			Body:     body,
			BodyJSON: gjson.ParseBytes(body),
			Path:     c.Request.URL.RequestURI(),
		})
		if err != nil {
			log.WithError(err).WithField("provider", route.InternalProvider).Error("proxy: preparer failed")
			handle.Complete(http.StatusInternalServerError, time.Since(startedAt).Milliseconds(), startedAt)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), deps.timeout)
		defer cancel()

		upstreamReq, err := http.NewRequestWithContext(ctx, route.Method, prepared.UpstreamURL, newBodyReader(prepared.Body))
		if err != nil {
			handle.Complete(http.StatusInternalServerError, time.Since(startedAt).Milliseconds(), startedAt)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
			return
		}
		upstreamReq.Header = prepared.Header

		resp, err := deps.upstream.Do(upstreamReq)
		if err != nil {
			log.WithError(err).WithField("provider", route.InternalProvider).Warn("proxy: upstream request failed")
			handle.Complete(http.StatusInternalServerError, time.Since(startedAt).Milliseconds(), startedAt)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "upstream request failed"})
			return
		}
		defer resp.Body.Close()

		decodeUpstreamGzip(resp)

		var transformed proxy.TransformedResponse
		if prepared.TransformResponse != nil {
			transformed, err = prepared.TransformResponse(resp)
			if err != nil {
				log.WithError(err).Warn("proxy: response transform failed")
				handle.Complete(http.StatusInternalServerError, time.Since(startedAt).Milliseconds(), startedAt)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
				return
			}
		} else {
			transformed = proxy.TransformedResponse{
				Body:        resp.Body,
				ContentType: resp.Header.Get("Content-Type"),
				Usage:       func() domain.TokenUsage { return domain.TokenUsage{} },
			}
		}

		for k, v := range resp.Header {
			if equalFoldHeader(k, "Content-Encoding") || equalFoldHeader(k, "Content-Length") {
				continue
			}
			for _, vv := range v {
				c.Writer.Header().Add(k, vv)
			}
		}
		if transformed.ContentType != "" {
			c.Writer.Header().Set("Content-Type", transformed.ContentType)
		}
		c.Writer.Header().Del("Content-Encoding")
		c.Status(resp.StatusCode)
		c.Writer.Flush()

		_, copyErr := io.Copy(c.Writer, transformed.Body)
		if closer, ok := transformed.Body.(io.Closer); ok {
			_ = closer.Close()
		}
		if copyErr != nil {
			log.WithError(copyErr).Debug("proxy: client disconnected mid-stream")
		}

		handle.Complete(resp.StatusCode, time.Since(startedAt).Milliseconds(), startedAt)
		if transformed.Usage != nil {
			if usage := transformed.Usage(); !usage.IsZero() {
				handle.ReportUsage(usage)
			}
		}
	}
}

func equalFoldHeader(a, b string) bool {
	return http.CanonicalHeaderKey(a) == http.CanonicalHeaderKey(b)
}

func newBodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}

// decodeUpstreamGzip rewrites resp.Body to transparently decompress a
// gzip-encoded upstream response in place, clearing content-encoding so
// downstream transforms see decoded bytes. Kept in the orchestrator rather
// than each preparer, mirroring the content-encoding-stripping rationale
// for the client side.
func decodeUpstreamGzip(resp *http.Response) {
	if resp.Header.Get("Content-Encoding") != "gzip" {
		return
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		log.WithError(err).Warn("proxy: failed to open gzip upstream body, passing through compressed")
		return
	}
	resp.Body = struct {
		io.Reader
		io.Closer
	}{Reader: gz, Closer: resp.Body}
	resp.Header.Del("Content-Encoding")
}

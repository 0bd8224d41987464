package mcpproxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/outpost9/coderunner/internal/mcp"
	"github.com/outpost9/coderunner/internal/security"
)

// Server is the mTLS HTTP front for a Router's aggregated tool catalog. It
// presents exactly one endpoint, POST /mcp, speaking JSON-RPC 2.0 with the
// same request/response envelope internal/mcp's client uses, so a caller
// that already understands MCP framing needs no protocol translation.
type Server struct {
	cfg    Config
	router *Router
	logger *slog.Logger
	http   *http.Server
}

// NewServer builds a proxy server over router. TLS material is loaded from
// cfg's cert/key/CA files when Listen is called, not at construction, so a
// zero-value Config is fine for tests that drive the handler directly.
func NewServer(cfg Config, router *Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, router: router, logger: logger.With("component", "mcpproxy")}
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleMCP)
	s.http = &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	return s
}

// ListenAndServeTLS builds the proxy<->client mTLS listener from cfg and
// blocks serving it until ctx is cancelled. The client CA pin means any
// handshake from a certificate outside ClientCAFile's chain is rejected
// before the request ever reaches handleMCP.
func (s *Server) ListenAndServeTLS(ctx context.Context) error {
	tlsCfg, err := s.listenerTLSConfig()
	if err != nil {
		return fmt.Errorf("mcpproxy: tls config: %w", err)
	}
	s.http.TLSConfig = tlsCfg

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServeTLS("", "")
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) listenerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.ServerCertFile, s.cfg.ServerKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert: %w", err)
	}

	pool := x509.NewCertPool()
	caPEM, err := os.ReadFile(s.cfg.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("client CA file %q contained no usable certificates", s.cfg.ClientCAFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// UpstreamHTTPClient builds the http.Client the proxy uses to dial remote
// HTTPS upstream MCP servers, presenting cfg's upstream client cert (when
// configured) and verifying the upstream against UpstreamCAFile instead of
// the system root pool. Upstreams using stdio transport don't need this;
// it's only relevant to mcp.ServerConfig entries with Transport ==
// mcp.TransportHTTP.
func (s *Server) UpstreamHTTPClient() (*http.Client, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if s.cfg.UpstreamCertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.UpstreamCertFile, s.cfg.UpstreamKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load upstream client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if s.cfg.UpstreamCAFile != "" {
		pool := x509.NewCertPool()
		caPEM, err := os.ReadFile(s.cfg.UpstreamCAFile)
		if err != nil {
			return nil, fmt.Errorf("read upstream CA: %w", err)
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("upstream CA file %q contained no usable certificates", s.cfg.UpstreamCAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}, nil
}

// mcpRequestMaxBytes bounds a single JSON-RPC request body.
const mcpRequestMaxBytes = 1 << 20

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, mcpRequestMaxBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var req mcp.JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, nil, mcp.ErrCodeParseError, "invalid JSON-RPC request")
		return
	}

	switch req.Method {
	case "tools/list":
		s.handleToolsList(r.Context(), w, req)
	case "tools/call":
		s.handleToolsCall(r.Context(), w, req)
	default:
		s.writeError(w, req.ID, mcp.ErrCodeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (s *Server) handleToolsList(ctx context.Context, w http.ResponseWriter, req mcp.JSONRPCRequest) {
	tools, errs := s.router.ListTools(ctx)
	for id, err := range errs {
		s.logger.Warn("upstream failed to list tools, excluded from merged catalog", "upstream", id, "error", err)
	}

	type listedTool struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema"`
	}
	out := make([]listedTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, listedTool{Name: t.CanonicalName, Description: t.Description, InputSchema: t.InputSchema})
	}

	s.writeResult(w, req.ID, map[string]any{"tools": out})
}

func (s *Server) handleToolsCall(ctx context.Context, w http.ResponseWriter, req mcp.JSONRPCRequest) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.writeError(w, req.ID, mcp.ErrCodeInvalidParams, "invalid tools/call params")
		return
	}

	result, err := s.router.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		var notFound *ErrUpstreamNotFound
		if errors.As(err, &notFound) {
			s.writeError(w, req.ID, mcp.ErrCodeToolNotFound, err.Error())
			return
		}
		s.writeError(w, req.ID, mcp.ErrCodeInternalError, err.Error())
		return
	}

	text := result.Text
	if s.cfg.RedactSecrets {
		text, _ = security.RedactSecrets(text)
	}
	if s.cfg.PrivacyMode {
		text = security.MaskPrivateIdentifiers(text)
	}

	s.writeResult(w, req.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": result.IsError,
	})
}

func (s *Server) writeResult(w http.ResponseWriter, id any, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.writeError(w, id, mcp.ErrCodeInternalError, "failed to encode result")
		return
	}
	resp := mcp.JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: raw}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) writeError(w http.ResponseWriter, id any, code int, message string) {
	resp := mcp.JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &mcp.JSONRPCError{Code: code, Message: message}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

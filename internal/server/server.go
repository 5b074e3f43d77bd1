package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cristianradulescu/perltidy-ls/internal/config"
	"github.com/cristianradulescu/perltidy-ls/internal/container"
	"github.com/cristianradulescu/perltidy-ls/internal/formatting"
	"github.com/cristianradulescu/perltidy-ls/internal/logging"
	"github.com/cristianradulescu/perltidy-ls/internal/utils"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

// Server represents the Language Server Protocol (LSP) server
type Server struct {
	conn   jsonrpc2.Conn
	client protocol.Client
	logger *zap.Logger

	runner             container.CommandRunner
	formattingProvider formatting.FormattingProvider

	// Set once by initialize
	projectRoot                 string
	clientSupportsConfiguration bool

	// In-memory document cache for synchronized content
	docMu     sync.RWMutex
	documents map[protocol.DocumentURI]string
}

// New creates a new LSP server instance
func New(conn jsonrpc2.Conn, runner container.CommandRunner, logger *zap.Logger) (*Server, error) {
	logger = logging.Named(logger, logging.LogTagLSP)

	s := &Server{
		conn:      conn,
		client:    protocol.ClientDispatcher(conn, logger.Named("client")),
		logger:    logger.Named(logging.LogTagServer),
		runner:    runner,
		documents: make(map[protocol.DocumentURI]string),
	}

	provider, err := formatting.NewFormattingProvider(
		formatting.PerltidyProviderId,
		runner,
		formatting.ReporterFunc(s.reportFormattingError),
		logging.Named(logger, logging.LogTagFormatter),
	)
	if err != nil {
		return nil, err
	}
	s.formattingProvider = provider

	return s, nil
}

func (s *Server) Handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	s.logger.Debug("Received request", zap.String("method", req.Method()))

	switch req.Method() {
	case protocol.MethodInitialize:
		return s.handleInitialize(ctx, reply, req)
	case protocol.MethodInitialized:
		return s.handleInitialized(ctx, reply, req)
	case protocol.MethodWorkspaceExecuteCommand:
		return s.handleExecuteCommand(ctx, reply, req)
	case protocol.MethodWorkspaceDidChangeConfiguration:
		return s.handleDidChangeConfiguration(ctx, reply, req)
	case protocol.MethodTextDocumentDidOpen:
		return s.handleDidOpen(ctx, reply, req)
	case protocol.MethodTextDocumentDidChange:
		return s.handleDidChange(ctx, reply, req)
	case protocol.MethodTextDocumentDidClose:
		return s.handleDidClose(ctx, reply, req)
	case protocol.MethodTextDocumentDidSave:
		return s.handleDidSave(ctx, reply, req)
	case protocol.MethodTextDocumentFormatting:
		return s.handleDocumentFormatting(ctx, reply, req)
	case protocol.MethodTextDocumentRangeFormatting:
		return s.handleDocumentRangeFormatting(ctx, reply, req)
	case protocol.MethodShutdown:
		return s.handleShutdown(ctx, reply, req)
	case protocol.MethodExit:
		return s.handleExit(ctx, reply, req)
	case protocol.MethodCancelRequest:
		return s.handleCancelRequest(ctx, reply, req)
	default:
		s.logger.Debug("Unhandled method", zap.String("method", req.Method()))
		return reply(ctx, nil, nil)
	}
}

func (s *Server) handleInitialize(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.InitializeParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		s.logger.Error("Error unmarshaling initialize params", zap.Error(err))
		return reply(ctx, nil, fmt.Errorf("%w: %s", jsonrpc2.ErrInvalidParams, err))
	}

	if params.ClientInfo != nil {
		s.logger.Info("Client info", zap.String("name", params.ClientInfo.Name), zap.String("version", params.ClientInfo.Version))
	}

	// Determine project root from workspace folder URI or RootURI
	projectRoot := ""
	if len(params.WorkspaceFolders) > 0 && params.WorkspaceFolders[0].URI != "" {
		projectRoot = utils.URIToPath(protocol.DocumentURI(params.WorkspaceFolders[0].URI))
	} else if params.RootURI != "" {
		projectRoot = utils.URIToPath(params.RootURI)
	} else if cwd, cwdErr := os.Getwd(); cwdErr == nil {
		projectRoot = cwd
	}
	s.projectRoot = projectRoot
	s.clientSupportsConfiguration = params.Capabilities.Workspace != nil && params.Capabilities.Workspace.Configuration

	serverConfig, err := (&config.Config{}).LoadConfig(projectRoot)
	if err != nil {
		s.logger.Info("No project config, relying on client settings", zap.Error(err))
	} else {
		s.logger.Info("Loaded project config", zap.String("path", serverConfig.Path))
		s.validateContainer(serverConfig.Settings.FormatConfig())
	}

	resp := protocol.InitializeResult{
		Capabilities: serverCapabilities(),
		ServerInfo:   serverInfo(),
	}

	return reply(ctx, resp, nil)
}

func (s *Server) handleInitialized(ctx context.Context, reply jsonrpc2.Replier, _ jsonrpc2.Request) error {
	s.logger.Info("Client initialized successfully")

	return reply(ctx, nil, nil)
}

func (s *Server) handleExecuteCommand(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.ExecuteCommandParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		s.logger.Error("Error unmarshaling executeCommand params", zap.Error(err))
		return reply(ctx, nil, fmt.Errorf("%w: %s", jsonrpc2.ErrInvalidParams, err))
	}

	s.logger.Info("Executing command", zap.String("command", params.Command))

	switch params.Command {
	case getFullLspCommandName(LspCommandNameShowConfig):
		return s.handleShowConfigCommand(ctx, reply)
	default:
		return reply(ctx, nil, fmt.Errorf("unknown command: %s", params.Command))
	}
}

func (s *Server) handleShowConfigCommand(ctx context.Context, reply jsonrpc2.Replier) error {
	serverConfig, err := (&config.Config{}).LoadConfig(s.projectRoot)
	if err != nil {
		s.showWindowMessage(ctx, protocol.MessageTypeInfo, fmt.Sprintf("No project configuration: %v", err))
		return reply(ctx, nil, nil)
	}

	s.showWindowMessage(ctx, protocol.MessageTypeInfo, fmt.Sprintf("Current configuration: %s", serverConfig.RawData))

	return reply(ctx, nil, nil)
}

// Settings are pulled on every format request, so a change only needs logging.
func (s *Server) handleDidChangeConfiguration(_ context.Context, _ jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DidChangeConfigurationParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		s.logger.Error("Error unmarshaling params", zap.String("method", req.Method()), zap.Error(err))
		return nil
	}

	s.logger.Debug("Client settings changed", zap.Any("settings", params.Settings))

	return nil
}

func (s *Server) handleDidOpen(_ context.Context, _ jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DidOpenTextDocumentParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		s.logger.Error("Error unmarshaling params", zap.String("method", req.Method()), zap.Error(err))
		return nil
	}

	s.setDocumentContent(params.TextDocument.URI, params.TextDocument.Text)

	return nil
}

func (s *Server) handleDidChange(_ context.Context, _ jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DidChangeTextDocumentParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		s.logger.Error("Error unmarshaling params", zap.String("method", req.Method()), zap.Error(err))
		return nil
	}

	// Full sync: the last change carries the whole document
	if len(params.ContentChanges) > 0 {
		lastChange := params.ContentChanges[len(params.ContentChanges)-1]
		s.setDocumentContent(params.TextDocument.URI, lastChange.Text)
	}

	return nil
}

func (s *Server) handleDidSave(_ context.Context, _ jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DidSaveTextDocumentParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		s.logger.Error("Error unmarshaling params", zap.String("method", req.Method()), zap.Error(err))
		return nil
	}

	if params.Text != "" {
		s.setDocumentContent(params.TextDocument.URI, params.Text)
	}

	return nil
}

func (s *Server) handleDidClose(_ context.Context, _ jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DidCloseTextDocumentParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		s.logger.Error("Error unmarshaling params", zap.String("method", req.Method()), zap.Error(err))
		return nil
	}

	s.deleteDocumentContent(params.TextDocument.URI)

	return nil
}

func (s *Server) handleDocumentRangeFormatting(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DocumentRangeFormattingParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		s.logger.Error("Error unmarshaling range formatting params", zap.Error(err))
		return reply(ctx, nil, fmt.Errorf("%w: %s", jsonrpc2.ErrInvalidParams, err))
	}

	s.scheduleFormatting(ctx, reply, params.TextDocument.URI, func(doc formatting.Document, cfg config.FormatConfig) []protocol.TextEdit {
		return s.formattingProvider.ProvideRangeFormatting(ctx, doc, params.Range, params.Options, cfg)
	})

	return nil
}

func (s *Server) handleDocumentFormatting(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DocumentFormattingParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		s.logger.Error("Error unmarshaling document formatting params", zap.Error(err))
		return reply(ctx, nil, fmt.Errorf("%w: %s", jsonrpc2.ErrInvalidParams, err))
	}

	s.scheduleFormatting(ctx, reply, params.TextDocument.URI, func(doc formatting.Document, cfg config.FormatConfig) []protocol.TextEdit {
		return s.formattingProvider.ProvideDocumentFormatting(ctx, doc, params.Options, cfg)
	})

	return nil
}

// scheduleFormatting answers a formatting request from its own goroutine so
// the connection keeps reading while the formatter runs. Each request gets
// its own process; there is no debounce or queueing between them.
func (s *Server) scheduleFormatting(ctx context.Context, reply jsonrpc2.Replier, uri protocol.DocumentURI, format func(formatting.Document, config.FormatConfig) []protocol.TextEdit) {
	go func() {
		content, err := s.documentText(uri)
		if err != nil {
			s.logger.Error("Cannot read document", zap.String("uri", string(uri)), zap.Error(err))
			_ = reply(ctx, []protocol.TextEdit{}, nil)
			return
		}

		cfg := s.resolveFormatConfig(ctx, uri)
		edits := format(formatting.Document{URI: uri, Text: content}, cfg)

		if err := reply(ctx, utils.EnsureTextEditsArray(edits), nil); err != nil {
			s.logger.Error("Failed to reply to formatting request", zap.Error(err))
		}
	}()
}

// resolveFormatConfig builds the formatter configuration for one request:
// the project file is read again, then the client's "perl" settings are
// layered on top. Nothing is cached between requests.
func (s *Server) resolveFormatConfig(ctx context.Context, uri protocol.DocumentURI) config.FormatConfig {
	var settings config.Settings

	roots := []string{s.projectRoot}
	if strings.HasPrefix(string(uri), "file://") {
		roots = append([]string{utils.FindProjectRoot(utils.URIToPath(uri))}, roots...)
	}
	for _, root := range roots {
		if root == "" {
			continue
		}
		if fileConfig, err := (&config.Config{}).LoadConfig(root); err == nil {
			settings = fileConfig.Settings
			break
		}
	}

	if s.clientSupportsConfiguration {
		items, err := s.client.Configuration(ctx, &protocol.ConfigurationParams{
			Items: []protocol.ConfigurationItem{{ScopeURI: uri, Section: config.ConfigItemPerl}},
		})
		switch {
		case err != nil:
			s.logger.Warn("Failed to fetch client settings", zap.Error(err))
		case len(items) > 0:
			clientSettings, err := config.SettingsFromClient(items[0])
			if err != nil {
				s.logger.Warn("Ignoring client settings", zap.Error(err))
				break
			}
			settings = settings.Merge(clientSettings)
		}
	}

	return settings.FormatConfig()
}

func (s *Server) validateContainer(cfg config.FormatConfig) {
	if !cfg.Enabled || cfg.ContainerName == "" {
		return
	}

	go func() {
		ctx := context.Background()
		if err := container.ValidateContainer(ctx, s.runner, cfg.ContainerName); err != nil {
			s.logger.Warn("Container validation failed", zap.String("container", cfg.ContainerName), zap.Error(err))
			s.showWindowMessage(ctx, protocol.MessageTypeWarning, fmt.Sprintf("%s: %v", config.Name, err))
			return
		}
		if err := container.ValidateBinaryInContainer(ctx, s.runner, cfg.ContainerName, cfg.Executable()); err != nil {
			s.logger.Warn("Formatter binary validation failed", zap.String("container", cfg.ContainerName), zap.Error(err))
			s.showWindowMessage(ctx, protocol.MessageTypeWarning, fmt.Sprintf("%s: %v", config.Name, err))
		}
	}()
}

func (s *Server) reportFormattingError(ctx context.Context, doc formatting.Document, err error) {
	s.showWindowMessage(ctx, protocol.MessageTypeError, fmt.Sprintf("%s: %v", config.Name, err))
}

func (s *Server) handleShutdown(ctx context.Context, reply jsonrpc2.Replier, _ jsonrpc2.Request) error {
	s.logger.Info("Performing cleanup before shutdown")

	return reply(ctx, nil, nil)
}

func (s *Server) handleExit(_ context.Context, _ jsonrpc2.Replier, _ jsonrpc2.Request) error {
	s.logger.Info("Exiting server")

	return s.conn.Close()
}

func (s *Server) handleCancelRequest(_ context.Context, _ jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.CancelParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		s.logger.Error("Error unmarshaling cancel request params", zap.Error(err))
		return nil
	}

	// A running formatter is left to finish; its result is still sent.
	s.logger.Debug("Client requested cancellation", zap.Any("id", params.ID))

	return nil
}

func (s *Server) showWindowMessage(ctx context.Context, messageType protocol.MessageType, message string) {
	params := &protocol.ShowMessageParams{Type: messageType, Message: message}
	if err := s.client.ShowMessage(ctx, params); err != nil {
		s.logger.Error("Failed to send window message", zap.Error(err))
	}
}

func (s *Server) setDocumentContent(uri protocol.DocumentURI, content string) {
	s.docMu.Lock()
	defer s.docMu.Unlock()

	s.documents[uri] = content
}

func (s *Server) getDocumentContent(uri protocol.DocumentURI) (string, bool) {
	s.docMu.RLock()
	defer s.docMu.RUnlock()

	content, exists := s.documents[uri]
	return content, exists
}

func (s *Server) deleteDocumentContent(uri protocol.DocumentURI) {
	s.docMu.Lock()
	defer s.docMu.Unlock()

	delete(s.documents, uri)
}

// documentText returns the synchronized content, falling back to disk for
// documents the client never opened.
func (s *Server) documentText(uri protocol.DocumentURI) (string, error) {
	if content, exists := s.getDocumentContent(uri); exists {
		return content, nil
	}

	fileContent, err := os.ReadFile(utils.URIToPath(uri))
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	return string(fileContent), nil
}

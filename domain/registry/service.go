package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fnf-ea/mcp-orch/pkg/apperror"
	"github.com/fnf-ea/mcp-orch/pkg/logger"
	"github.com/fnf-ea/mcp-orch/pkg/secret"
)

// Service resolves server refs to decrypted Specs and owns registry
// writes. There is no caching: every Get reads and decrypts the current
// row, so credential rotations take effect on the next session build.
type Service struct {
	repo     *Repository
	envelope *secret.Envelope
	log      *slog.Logger
}

// NewService creates a new registry service.
func NewService(repo *Repository, envelope *secret.Envelope, log *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		envelope: envelope,
		log:      log.With(logger.Scope("registry")),
	}
}

// Get resolves ref (server id or unique name within the project) to a
// decrypted Spec. Unknown refs return apperror.ErrServerNotFound; rows
// whose credentials cannot be decrypted surface
// secret.ErrDecryptFailed and are treated as unavailable by callers.
func (s *Service) Get(ctx context.Context, projectID, ref string) (*Spec, error) {
	var (
		server *BackendServer
		err    error
	)
	if _, parseErr := uuid.Parse(ref); parseErr == nil {
		server, err = s.repo.FindByID(ctx, projectID, ref)
	} else {
		server, err = s.repo.FindByName(ctx, projectID, ref)
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if server == nil {
		return nil, apperror.ErrServerNotFound
	}
	return s.decrypt(server)
}

// ListEnabled returns decrypted Specs for every enabled server in the
// project. Rows that fail to decrypt are skipped with a warning so one
// bad credential does not take down fan-out listings.
func (s *Service) ListEnabled(ctx context.Context, projectID string) ([]*Spec, error) {
	servers, err := s.repo.FindEnabled(ctx, projectID)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	specs := make([]*Spec, 0, len(servers))
	for _, server := range servers {
		spec, err := s.decrypt(server)
		if err != nil {
			s.log.Warn("skipping server with unreadable credentials",
				slog.String("server", server.Name), logger.Error(err))
			continue
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// List returns all servers in a project with ciphertext stripped.
func (s *Service) List(ctx context.Context, projectID string) ([]*BackendServer, error) {
	servers, err := s.repo.FindAll(ctx, projectID)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return servers, nil
}

// Create registers a new backend server, encrypting its credentials.
func (s *Service) Create(ctx context.Context, projectID string, dto *CreateServerDTO) (*BackendServer, error) {
	if err := validateTransportFields(dto.Transport, dto.Command, dto.URL); err != nil {
		return nil, err
	}

	server := &BackendServer{
		ProjectID:   projectID,
		Name:        dto.Name,
		Transport:   dto.Transport,
		Enabled:     true,
		TimeoutMS:   30000,
		AutoApprove: dto.AutoApprove,
		JWTRequired: AuthInherit,
		Command:     dto.Command,
		Cwd:         dto.Cwd,
		URL:         dto.URL,
	}
	if dto.Enabled != nil {
		server.Enabled = *dto.Enabled
	}
	if dto.TimeoutMS != nil {
		server.TimeoutMS = *dto.TimeoutMS
	}
	if dto.JWTRequired != "" {
		server.JWTRequired = dto.JWTRequired
	}
	if server.AutoApprove == nil {
		server.AutoApprove = []string{}
	}

	var err error
	if len(dto.Args) > 0 {
		if server.ArgsEncrypted, err = s.sealJSON(dto.Args); err != nil {
			return nil, err
		}
	}
	if len(dto.Env) > 0 {
		if server.EnvEncrypted, err = s.sealJSON(dto.Env); err != nil {
			return nil, err
		}
	}
	if len(dto.Headers) > 0 {
		if server.HeadersEncrypted, err = s.sealJSON(dto.Headers); err != nil {
			return nil, err
		}
	}

	if err := s.repo.Create(ctx, server); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	s.log.Info("registered backend server",
		slog.String("project_id", projectID),
		slog.String("server", server.Name),
		slog.String("transport", string(server.Transport)))
	return server, nil
}

// Update applies a partial update. Credential fields are re-encrypted
// when present.
func (s *Service) Update(ctx context.Context, projectID, id string, dto *UpdateServerDTO) (*BackendServer, error) {
	server, err := s.repo.FindByID(ctx, projectID, id)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if server == nil {
		return nil, apperror.ErrServerNotFound
	}

	if dto.Name != nil {
		server.Name = *dto.Name
	}
	if dto.Enabled != nil {
		server.Enabled = *dto.Enabled
	}
	if dto.DisabledUntil != nil {
		server.DisabledUntil = dto.DisabledUntil
	}
	if dto.TimeoutMS != nil {
		server.TimeoutMS = *dto.TimeoutMS
	}
	if dto.AutoApprove != nil {
		server.AutoApprove = dto.AutoApprove
	}
	if dto.JWTRequired != nil {
		server.JWTRequired = *dto.JWTRequired
	}
	if dto.Command != nil {
		server.Command = *dto.Command
	}
	if dto.Cwd != nil {
		server.Cwd = *dto.Cwd
	}
	if dto.URL != nil {
		server.URL = *dto.URL
	}
	if dto.Args != nil {
		if server.ArgsEncrypted, err = s.sealJSON(dto.Args); err != nil {
			return nil, err
		}
	}
	if dto.Env != nil {
		if server.EnvEncrypted, err = s.sealJSON(*dto.Env); err != nil {
			return nil, err
		}
	}
	if dto.Headers != nil {
		if server.HeadersEncrypted, err = s.sealJSON(*dto.Headers); err != nil {
			return nil, err
		}
	}

	if err := s.repo.Update(ctx, server); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return server, nil
}

// Delete removes a server registration.
func (s *Service) Delete(ctx context.Context, projectID, id string) error {
	deleted, err := s.repo.Delete(ctx, projectID, id)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if !deleted {
		return apperror.ErrServerNotFound
	}
	return nil
}

// LogToolCall records one invocation, best effort. Called from its own
// goroutine; failures are logged and swallowed.
func (s *Service) LogToolCall(ctx context.Context, entry *ToolCallLog) {
	if err := s.repo.CreateToolCallLog(ctx, entry); err != nil {
		s.log.Warn("failed to record tool call", logger.Error(err))
	}
}

func (s *Service) decrypt(server *BackendServer) (*Spec, error) {
	spec := &Spec{
		ID:            server.ID,
		ProjectID:     server.ProjectID,
		Name:          server.Name,
		Transport:     server.Transport,
		Command:       server.Command,
		Cwd:           server.Cwd,
		URL:           server.URL,
		Timeout:       time.Duration(server.TimeoutMS) * time.Millisecond,
		AutoApprove:   server.AutoApprove,
		AuthMode:      server.JWTRequired,
		Enabled:       server.Enabled,
		DisabledUntil: server.DisabledUntil,
	}
	if err := s.openJSON(server.ArgsEncrypted, &spec.Args); err != nil {
		return nil, fmt.Errorf("server %s args: %w", server.Name, err)
	}
	if err := s.openJSON(server.EnvEncrypted, &spec.Env); err != nil {
		return nil, fmt.Errorf("server %s env: %w", server.Name, err)
	}
	if err := s.openJSON(server.HeadersEncrypted, &spec.Headers); err != nil {
		return nil, fmt.Errorf("server %s headers: %w", server.Name, err)
	}
	return spec, nil
}

func (s *Service) sealJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return s.envelope.Seal(data)
}

func (s *Service) openJSON(token string, out any) error {
	if token == "" {
		return nil
	}
	data, err := s.envelope.Open(token)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func validateTransportFields(kind TransportKind, command, url string) error {
	switch kind {
	case TransportStdio:
		if command == "" {
			return apperror.ErrBadRequest.WithMessage("stdio servers require a command")
		}
	case TransportSSE:
		if url == "" {
			return apperror.ErrBadRequest.WithMessage("sse servers require a url")
		}
	default:
		return apperror.ErrBadRequest.WithMessage(fmt.Sprintf("unknown transport %q", kind))
	}
	return nil
}

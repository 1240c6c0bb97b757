package limitstream

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type ServerConfig struct {
	DefaultPort int

	Port int
	TLS  struct {
		Port int
		Cert string
		Key  string
	}

	MaxConns                   int64
	MaxConcurrentTLSHandshakes int64

	Limit int64
	Fail  bool

	Upstream    string
	DialTimeout time.Duration

	// CreateHandler overrides the relay handler built from Upstream.
	CreateHandler func() Handler
}

// Policy returns the overflow policy selected by the Fail flag.
func (c *ServerConfig) Policy() Policy {
	if c.Fail {
		return Fail
	}
	return Terminate
}

type Service struct {
	Server *Server

	config ServerConfig
}

// NewService creates a Service and binds its configuration to cmd's flags.
func NewService(cmd *cobra.Command, config ServerConfig) *Service {
	s := &Service{
		config: config,
	}
	s.configureFlags(cmd)
	return s
}

func (s *Service) configureFlags(cmd *cobra.Command) {
	flags := cmd.Flags()

	flags.IntVar(
		&s.config.Port,
		"server-port", s.config.DefaultPort,
		"TCP server port",
	)

	flags.IntVar(
		&s.config.TLS.Port,
		"server-tls-port", 0,
		"TLS server port",
	)

	flags.StringVar(
		&s.config.TLS.Cert,
		"server-tls-cert", "",
		"TLS server certificate",
	)

	flags.StringVar(
		&s.config.TLS.Key,
		"server-tls-key", "",
		"TLS server certificate key",
	)

	flags.Int64Var(
		&s.config.MaxConns,
		"server-max-conns", s.config.MaxConns,
		"maximum number of open connections (0 = unlimited)",
	)

	flags.Int64Var(
		&s.config.Limit,
		"limit", s.config.Limit,
		"maximum number of bytes read from each client",
	)

	flags.BoolVar(
		&s.config.Fail,
		"fail", s.config.Fail,
		"abort the connection instead of ending the stream when the limit is exceeded",
	)

	flags.StringVar(
		&s.config.Upstream,
		"upstream", s.config.Upstream,
		"upstream address the limited client stream is relayed to",
	)

	flags.DurationVar(
		&s.config.DialTimeout,
		"upstream-dial-timeout", 5*time.Second,
		"upstream dial timeout",
	)
}

func (s *Service) handler() (Handler, error) {
	if s.config.CreateHandler != nil {
		return s.config.CreateHandler(), nil
	}
	if s.config.Upstream == "" {
		return nil, errors.New("upstream must be set")
	}
	return &RelayHandler{
		Upstream:    s.config.Upstream,
		DialTimeout: s.config.DialTimeout,
	}, nil
}

func (s *Service) Init() error {
	handler, err := s.handler()
	if err != nil {
		return err
	}

	s.Server, err = NewServerWithTLS(
		s.config.Port,
		s.config.TLS.Port,
		s.config.TLS.Key,
		s.config.TLS.Cert,
		s.config.Limit,
		s.config.Policy(),
	)
	if err != nil {
		return err
	}

	s.Server.MaxConns = s.config.MaxConns
	s.Server.MaxConcurrentTLSHandshakes = s.config.MaxConcurrentTLSHandshakes
	s.Server.Handler = handler

	return s.Server.Run()
}

func (s *Service) Shutdown(os.Signal) {
	if s.Server != nil {
		s.Server.Stop()
	}
}

package busbridge

import (
	"github.com/mkerber/busbridge/broker"
	"github.com/mkerber/busbridge/discovery"
	runtimepkg "github.com/mkerber/busbridge/internal/runtime"
	configpkg "github.com/mkerber/busbridge/internal/runtime/config"
	errspkg "github.com/mkerber/busbridge/internal/runtime/errors"
	idspkg "github.com/mkerber/busbridge/internal/runtime/ids"
	loggingpkg "github.com/mkerber/busbridge/internal/runtime/logging"
	netidentpkg "github.com/mkerber/busbridge/internal/runtime/netident"
)

type (
	Config       = configpkg.Config
	Runtime      = runtimepkg.Runtime
	Dependencies = runtimepkg.Dependencies

	Message   = broker.Message
	Handler   = broker.Handler
	QueueSpec = broker.QueueSpec
	Transport = broker.Transport
	Session   = broker.Session
	State     = broker.State

	Instance  = discovery.Instance
	Registrar = discovery.Registrar

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
)

const (
	StateDisconnected = broker.StateDisconnected
	StateConnecting   = broker.StateConnecting
	StateConnected    = broker.StateConnected
	StateDraining     = broker.StateDraining
)

var (
	New     = runtimepkg.New
	FromEnv = configpkg.FromEnv

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	NewInstanceID  = idspkg.NewInstanceID
	ResolveAddress = netidentpkg.Resolve

	RegisterTransport = broker.Register
	RegisterRegistrar = discovery.Register

	ErrNoReachableAddress = errspkg.ErrNoReachableAddress
	ErrNotConnected       = errspkg.ErrNotConnected
	ErrRegistrationFailed = errspkg.ErrRegistrationFailed
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
)

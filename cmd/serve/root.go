package serve

import (
	"context"
	"errors"
	cmdUtil "github.com/ValentinKolb/tinyrpc/cmd/util"
	"github.com/ValentinKolb/tinyrpc/rpc/common"
	"github.com/ValentinKolb/tinyrpc/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
	"os/signal"
	"syscall"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a tinyrpc server",
		Long:    `Start a tinyrpc server exposing the demo functions (add, get_value, hello, hello_to, sleep, sha256). The configuration can be set via command line flags or environment variables. The format of the environment variables is TINYRPC_<flag> (e.g. TINYRPC_ENDPOINT=0.0.0.0:7000)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// add flags
	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "127.0.0.1:7000", cmdUtil.WrapString("The address on which the server will listen (host:port for tcp, socket path for unix)"))

	key = "backlog"
	ServeCmd.PersistentFlags().Int(key, common.DefaultBacklog, cmdUtil.WrapString("The maximum number of pending connections (tcp only)"))

	key = "workers"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The number of blocking functions that may run at the same time (0 = number of CPUs)"))

	key = "buffer-size"
	ServeCmd.PersistentFlags().Int(key, 64, cmdUtil.WrapString("The size of a single socket read / write chunk (in KB)"))

	key = "max-body-size"
	ServeCmd.PersistentFlags().Uint64(key, common.DefaultMaxBodySize, cmdUtil.WrapString("The largest request body accepted (in bytes), larger frames are discarded"))

	key = "max-name-length"
	ServeCmd.PersistentFlags().Int(key, common.DefaultMaxNameLength, cmdUtil.WrapString("The longest function name accepted"))

	key = "dispatch-rate"
	ServeCmd.PersistentFlags().Float64(key, 0, cmdUtil.WrapString("The maximum number of requests dispatched per second and connection (0 = unlimited)"))

	key = "dispatch-burst"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The burst allowed on top of the dispatch rate (0 = same as rate)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The address of the http endpoint serving /metrics and /functions (empty = disabled)"))

	key = "transport-write-buffer"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the socket write buffer (in KB)"))

	key = "transport-read-buffer"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the socket read buffer (in KB)"))

	key = "transport-tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY (tcp only)"))

	key = "transport-tcp-keepalive"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The keepalive interval (in seconds, tcp only)"))

	key = "transport-tcp-linger"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The linger time (in seconds, tcp only, 0 = system default)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig.Transport = common.ServerTransportConfig{
		Endpoint: viper.GetString("endpoint"),
		Backlog:  viper.GetInt("backlog"),
		SocketConf: common.SocketConf{
			WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
			ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
		},
		TCPConf: common.TCPConf{
			TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
		},
	}
	serveCmdConfig.Workers = viper.GetInt("workers")
	serveCmdConfig.BufferSize = viper.GetInt("buffer-size") * 1024
	serveCmdConfig.MaxBodySize = viper.GetUint64("max-body-size")
	serveCmdConfig.MaxNameLength = viper.GetInt("max-name-length")
	serveCmdConfig.DispatchRate = viper.GetFloat64("dispatch-rate")
	serveCmdConfig.DispatchBurst = viper.GetInt("dispatch-burst")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if serveCmdConfig.Transport.Endpoint == "" {
		return errors.New("endpoint must not be empty")
	}
	return nil
}

// run starts the tinyrpc server and blocks until it is interrupted
func run(_ *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	connector, err := cmdUtil.GetServerConnector()
	if err != nil {
		return err
	}

	srv := server.NewRPCServer(*serveCmdConfig, connector)
	if err := RegisterDemoFunctions(srv, s); err != nil {
		return err
	}

	conf := srv.Config()
	Logger.Infof("starting server (serializer %s, transport %s)%s", s.Name(), connector.GetName(), conf.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		Logger.Infof("shutting down")
		_ = srv.Close()
	}()

	return srv.Serve()
}

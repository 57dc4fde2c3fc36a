package call

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/ValentinKolb/tinyrpc/cmd/util"
	"github.com/ValentinKolb/tinyrpc/rpc/client"
	"github.com/ValentinKolb/tinyrpc/rpc/serializer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strconv"
)

var (
	rpcPool       *client.Pool
	rpcSerializer serializer.IRPCSerializer

	CallCmd = &cobra.Command{
		Use:   "call <function> [args...]",
		Short: "Call a function on a tinyrpc server",
		Long: `Call a function on a tinyrpc server and print the result.

The arguments are converted as follows: no argument is sent as an
empty payload, one integer as int64, two integers as a pair of int64
and everything else as a string (or a list of strings). The result is
decoded as the type given by --result.`,
		Args:               cobra.MinimumNArgs(1),
		PersistentPreRunE:  setupClient,
		PersistentPostRunE: closeClient,
		RunE:               runCall,
	}
)

func init() {
	util.SetupRPCClientFlags(CallCmd)

	key := "result"
	CallCmd.Flags().String(key, "any", util.WrapString("Type of the result (void, int, string, bytes, any). any only works with the json and msgpack serializer"))
}

// setupClient connects to all configured endpoints
func setupClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := util.InitLogging(); err != nil {
		return err
	}

	var err error
	if rpcSerializer, err = util.GetSerializer(); err != nil {
		return err
	}

	connector, err := util.GetClientConnector()
	if err != nil {
		return err
	}

	rpcPool = client.NewPool(connector, *util.GetClientConfig())
	return rpcPool.Connect(context.Background())
}

func closeClient(_ *cobra.Command, _ []string) error {
	if rpcPool == nil {
		return nil
	}
	return rpcPool.Close()
}

func runCall(_ *cobra.Command, args []string) error {
	ctx := context.Background()
	name, params := args[0], parseArgs(args[1:])

	var (
		res any
		err error
	)
	switch viper.GetString("result") {
	case "void":
		_, err = serializer.Invoke[serializer.Void](ctx, rpcPool, rpcSerializer, name, params)
		res = "ok"
	case "int":
		res, err = serializer.Invoke[int64](ctx, rpcPool, rpcSerializer, name, params)
	case "string":
		res, err = serializer.Invoke[string](ctx, rpcPool, rpcSerializer, name, params)
	case "bytes":
		res, err = serializer.Invoke[[]byte](ctx, rpcPool, rpcSerializer, name, params)
	case "any":
		res, err = serializer.Invoke[any](ctx, rpcPool, rpcSerializer, name, params)
	default:
		return fmt.Errorf("invalid result type %s", viper.GetString("result"))
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		fmt.Println(res)
		return nil
	}
	fmt.Println(string(out))
	return nil
}

// parseArgs converts command line arguments into the value sent to the function
func parseArgs(args []string) any {
	ints := make([]int64, 0, len(args))
	for _, a := range args {
		i, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			break
		}
		ints = append(ints, i)
	}

	switch {
	case len(args) == 0:
		return serializer.Void{}
	case len(args) == 1 && len(ints) == 1:
		return ints[0]
	case len(args) == 1:
		return args[0]
	case len(args) == 2 && len(ints) == 2:
		return [2]int64{ints[0], ints[1]}
	default:
		return args
	}
}

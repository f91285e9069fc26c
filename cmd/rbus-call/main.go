// Command rbus-call implements a one-shot RPC caller: it sends a single
// call and waits for its result, the direct-to-redis equivalent of
// juggler-direct-call but exercising the RPC/Result transport pair
// instead of a raw broker.Call.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mna/rbus"
	"github.com/mna/rbus/redistransport"
	"github.com/mna/rbus/serialize"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "rbus-call api.procedure [json-args]",
		Short: "Send a single RPC call and print its result.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v, args)
		},
	}

	flags := cmd.Flags()
	flags.String("redis", "redis://127.0.0.1:6379/0", "Redis connection address.")
	flags.Duration("timeout", 5*time.Second, "How long the call stays valid and how long to wait for its result.")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("RBUS")
	v.AutomaticEnv()

	return cmd
}

func run(v *viper.Viper, args []string) error {
	api, proc, err := splitProcedure(args[0])
	if err != nil {
		return err
	}

	var callArgs map[string]any
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &callArgs); err != nil {
			return fmt.Errorf("rbus-call: decode json args: %w", err)
		}
	}

	pool := redistransport.NewPool(rbus.ConnParams{Address: v.GetString("redis")})
	defer pool.Close()

	codec := serialize.New(serialize.KindBlob)
	rpc := &redistransport.RPC{Pool: pool, Codec: codec}
	result := &redistransport.Result{Pool: pool, Codec: codec, ResultTTL: v.GetDuration("timeout") + time.Minute}

	call := rbus.NewMessage(api, proc, callArgs)

	timeout := v.GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := rpc.Call(ctx, call, timeout); err != nil {
		return fmt.Errorf("rbus-call: call failed: %w", err)
	}

	path := result.ReturnPath(call)
	reply, err := result.ReceiveResult(ctx, path, timeout)
	if err != nil {
		return fmt.Errorf("rbus-call: waiting for result: %w", err)
	}

	out, err := json.MarshalIndent(reply.Args, "", "  ")
	if err != nil {
		return fmt.Errorf("rbus-call: encode result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func splitProcedure(s string) (api, proc string, err error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("rbus-call: %q is not of the form api.procedure", s)
}

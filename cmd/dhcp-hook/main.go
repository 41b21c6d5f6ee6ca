// Command dhcp-hook reports one dhcpd lease event to aaad. Configure it in
// dhcpd.conf, for example:
//
//	on commit {
//	  execute("/usr/local/bin/dhcp-hook", "commit",
//	    "--ip", binary-to-ascii(10, 8, ".", leased-address),
//	    "--mac", binary-to-ascii(16, 8, ":", substring(hardware, 1, 6)),
//	    "--switch-mac", binary-to-ascii(16, 8, ":", suffix(option agent.remote-id, 6)),
//	    "--switch-port", binary-to-ascii(10, 8, "", suffix(option agent.circuit-id, 1)));
//	}
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/dhcphook"
	"github.com/spf13/cobra"
)

var (
	hookURL    string
	token      string
	timeout    time.Duration
	clientIP   string
	clientMAC  string
	switchMAC  string
	switchPort int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "dhcp-hook commit|expiry|release",
	Short:        "Report a dhcpd lease event to aaad",
	Args:         cobra.ExactValidArgs(1),
	ValidArgs:    []string{"commit", "expiry", "release"},
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&hookURL, "url", envOr("AAA_HOOK_URL", "http://127.0.0.1:8090"),
		"Hook base URL")
	rootCmd.Flags().StringVar(&token, "token", os.Getenv("AAA_HOOK_TOKEN"),
		"Bearer token")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second,
		"Request timeout")
	rootCmd.Flags().StringVar(&clientIP, "ip", "", "Leased address")
	rootCmd.Flags().StringVar(&clientMAC, "mac", "", "Client MAC")
	rootCmd.Flags().StringVar(&switchMAC, "switch-mac", "", "Relay agent remote-id MAC")
	rootCmd.Flags().IntVar(&switchPort, "switch-port", 0, "Relay agent circuit-id port (omit when absent)")
	_ = rootCmd.MarkFlagRequired("ip")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req := dhcphook.Request{
		ClientIP:  clientIP,
		ClientMAC: clientMAC,
		SwitchMAC: switchMAC,
	}
	if cmd.Flags().Changed("switch-port") {
		req.SwitchPort = &switchPort
	}

	client := dhcphook.NewClient(hookURL, token, timeout)
	msg, err := client.Post(ctx, args[0], req)
	if err != nil {
		return err
	}
	// dhcpd ignores the exit status; the diagnostic goes to its log.
	if msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	return nil
}

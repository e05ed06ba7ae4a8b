// Command cqlping is a thin smoke-test binary: connect to a cluster, run
// one query, print the result and the elapsed time.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	scylla "github.com/scylladb/scylla-go-driver"
	"github.com/scylladb/scylla-go-driver/frame"
	"github.com/scylladb/scylla-go-driver/transport"
)

var (
	hosts       string
	keyspace    string
	query       string
	consistency string
	timeout     time.Duration
	verbose     bool
	cpuProfile  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cqlping",
	Short: "cqlping - connect to a cluster and run one query",
	Long:  "Smoke-test binary for the driver: resolves the cluster, runs one query and reports timing",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&hosts, "hosts", "H", "127.0.0.1:9042", "comma-separated contact points")
	rootCmd.Flags().StringVarP(&keyspace, "keyspace", "k", "", "keyspace to use")
	rootCmd.Flags().StringVarP(&query, "query", "q", "SELECT release_version FROM system.local", "CQL statement to run")
	rootCmd.Flags().StringVarP(&consistency, "consistency", "c", "ONE", "consistency level (e.g. ONE, QUORUM, LOCAL_QUORUM)")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "connection and request timeout")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&cpuProfile, "profile", false, "wrap the run with a CPU profile")
}

func run(cmd *cobra.Command, args []string) error {
	if cpuProfile {
		defer profile.Start(profile.CPUProfile).Stop()
	}

	level, err := parseConsistency(consistency)
	if err != nil {
		return err
	}

	cfg := scylla.DefaultSessionConfig(keyspace, strings.Split(hosts, ",")...)
	cfg.DefaultConsistency = level
	cfg.Timeout = timeout
	if verbose {
		cfg.Logger = transport.NewDebugLogger("cqlping")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	session, err := scylla.NewSession(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer session.Close()
	connectElapsed := time.Since(start)

	start = time.Now()
	res, err := session.Query(query).Exec(ctx)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	queryElapsed := time.Since(start)

	for _, row := range res.Rows {
		fmt.Println(row.String())
	}
	fmt.Printf("connected in %s, query ran in %s (%d row(s))\n", connectElapsed, queryElapsed, len(res.Rows))
	return nil
}

func parseConsistency(s string) (frame.Consistency, error) {
	switch strings.ToUpper(strings.ReplaceAll(s, "-", "_")) {
	case "ANY":
		return frame.ANY, nil
	case "ONE":
		return frame.ONE, nil
	case "TWO":
		return frame.TWO, nil
	case "THREE":
		return frame.THREE, nil
	case "QUORUM":
		return frame.QUORUM, nil
	case "ALL":
		return frame.ALL, nil
	case "LOCAL_QUORUM":
		return frame.LOCALQUORUM, nil
	case "EACH_QUORUM":
		return frame.EACHQUORUM, nil
	case "SERIAL":
		return frame.SERIAL, nil
	case "LOCAL_SERIAL":
		return frame.LOCALSERIAL, nil
	case "LOCAL_ONE":
		return frame.LOCALONE, nil
	default:
		return 0, fmt.Errorf("unknown consistency level %q", s)
	}
}

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/wirecache/memcached"
	"github.com/wirecache/memcached/protocol"
)

func main() {
	var (
		servers  = flag.String("servers", "127.0.0.1:11211", "comma-separated server addresses")
		useBin   = flag.Bool("binary", false, "use the binary protocol")
		timeout  = flag.Duration("timeout", 2*time.Second, "per-operation timeout")
		poolSize = flag.Int("pool-size", 4, "max connections per server")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	variant := protocol.TextProtocol
	if *useBin {
		variant = protocol.BinaryProtocol
	}

	client, err := memcached.NewClient(
		memcached.NewStaticServers(strings.Split(*servers, ",")...),
		memcached.Config{
			MaxSize:  int32(*poolSize),
			Timeout:  *timeout,
			Protocol: variant,
		},
	)
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	logger.Info("connected", "servers", *servers, "protocol", variant.String())
	fmt.Println("Commands: get/gets <key>, set/add/replace/append/prepend <key> <value> [ttl],")
	fmt.Println("          cas <key> <value> <token>, delete <key>, incr/decr <key> <delta>,")
	fmt.Println("          touch <key> <ttl>, mget <key>..., flush, stats, version, ping, pools, quit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(parts) == 0 {
			continue
		}

		if done := runCommand(client, logger, parts); done {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Error("error reading input", "error", err)
	}
}

func runCommand(client *memcached.Client, logger *slog.Logger, parts []string) bool {
	ctx := context.Background()
	start := time.Now()

	switch strings.ToLower(parts[0]) {
	case "get", "gets":
		if len(parts) != 2 {
			fmt.Println("Usage: get <key>")
			return false
		}
		var item memcached.Item
		var err error
		if parts[0] == "gets" {
			item, err = client.Gets(ctx, parts[1])
		} else {
			item, err = client.Get(ctx, parts[1])
		}
		if err != nil {
			logger.Error("get failed", "key", parts[1], "error", err)
			return false
		}
		if !item.Found {
			fmt.Printf("(miss) %s\n", sinceString(start))
			return false
		}
		if item.CAS != 0 {
			fmt.Printf("%q (flags=%d cas=%d) %s\n", item.Value, item.Flags, item.CAS, sinceString(start))
		} else {
			fmt.Printf("%q (flags=%d) %s\n", item.Value, item.Flags, sinceString(start))
		}

	case "set", "add", "replace", "append", "prepend":
		if len(parts) < 3 || len(parts) > 4 {
			fmt.Printf("Usage: %s <key> <value> [ttl_seconds]\n", parts[0])
			return false
		}
		item := memcached.Item{Key: parts[1], Value: []byte(parts[2])}
		if len(parts) == 4 {
			ttlSecs, err := strconv.Atoi(parts[3])
			if err != nil {
				fmt.Printf("Invalid TTL: %v\n", err)
				return false
			}
			item.TTL = time.Duration(ttlSecs) * time.Second
		}

		var err error
		switch parts[0] {
		case "set":
			err = client.Set(ctx, item)
		case "add":
			err = client.Add(ctx, item)
		case "replace":
			err = client.Replace(ctx, item)
		case "append":
			err = client.Append(ctx, item)
		case "prepend":
			err = client.Prepend(ctx, item)
		}
		if err != nil {
			logger.Error("store failed", "op", parts[0], "key", parts[1], "error", err)
			return false
		}
		fmt.Printf("OK %s\n", sinceString(start))

	case "cas":
		if len(parts) != 4 {
			fmt.Println("Usage: cas <key> <value> <token>")
			return false
		}
		token, err := strconv.ParseUint(parts[3], 10, 64)
		if err != nil {
			fmt.Printf("Invalid CAS token: %v\n", err)
			return false
		}
		err = client.CompareAndSwap(ctx, memcached.Item{Key: parts[1], Value: []byte(parts[2]), CAS: token})
		if err != nil {
			logger.Error("cas failed", "key", parts[1], "error", err)
			return false
		}
		fmt.Printf("OK %s\n", sinceString(start))

	case "delete", "del":
		if len(parts) != 2 {
			fmt.Println("Usage: delete <key>")
			return false
		}
		if err := client.Delete(ctx, parts[1]); err != nil {
			logger.Error("delete failed", "key", parts[1], "error", err)
			return false
		}
		fmt.Printf("OK %s\n", sinceString(start))

	case "incr", "decr":
		if len(parts) != 3 {
			fmt.Printf("Usage: %s <key> <delta>\n", parts[0])
			return false
		}
		delta, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			fmt.Printf("Invalid delta: %v\n", err)
			return false
		}
		var value uint64
		if parts[0] == "incr" {
			value, err = client.Increment(ctx, parts[1], delta)
		} else {
			value, err = client.Decrement(ctx, parts[1], delta)
		}
		if err != nil {
			logger.Error("arithmetic failed", "op", parts[0], "key", parts[1], "error", err)
			return false
		}
		fmt.Printf("%d %s\n", value, sinceString(start))

	case "touch":
		if len(parts) != 3 {
			fmt.Println("Usage: touch <key> <ttl_seconds>")
			return false
		}
		ttlSecs, err := strconv.Atoi(parts[2])
		if err != nil {
			fmt.Printf("Invalid TTL: %v\n", err)
			return false
		}
		if err := client.Touch(ctx, parts[1], time.Duration(ttlSecs)*time.Second); err != nil {
			logger.Error("touch failed", "key", parts[1], "error", err)
			return false
		}
		fmt.Printf("OK %s\n", sinceString(start))

	case "mget", "multi-get":
		if len(parts) < 2 {
			fmt.Println("Usage: mget <key1> <key2> ...")
			return false
		}
		items, err := client.GetMulti(ctx, parts[1:])
		if err != nil {
			logger.Error("multi-get failed", "error", err)
			return false
		}
		for _, key := range parts[1:] {
			if item, ok := items[key]; ok {
				fmt.Printf("  %s = %q\n", key, item.Value)
			} else {
				fmt.Printf("  %s (miss)\n", key)
			}
		}
		fmt.Printf("%d/%d hits %s\n", len(items), len(parts)-1, sinceString(start))

	case "flush":
		if err := client.Flush(ctx, 0); err != nil {
			logger.Error("flush failed", "error", err)
			return false
		}
		fmt.Printf("OK %s\n", sinceString(start))

	case "stats":
		stats, err := client.ServerStats(ctx)
		if err != nil {
			logger.Error("stats failed", "error", err)
			return false
		}
		for addr, serverStats := range stats {
			fmt.Printf("[%s]\n", addr)
			for name, value := range serverStats {
				fmt.Printf("  %s = %s\n", name, value)
			}
		}

	case "version":
		versions, err := client.Version(ctx)
		if err != nil {
			logger.Error("version failed", "error", err)
			return false
		}
		for addr, v := range versions {
			fmt.Printf("  %s: %s\n", addr, v)
		}

	case "ping":
		if err := client.Ping(ctx); err != nil {
			logger.Error("ping failed", "error", err)
			return false
		}
		fmt.Printf("PONG %s\n", sinceString(start))

	case "pools":
		for _, ps := range client.AllPoolStats() {
			fmt.Printf("[%s] total=%d idle=%d active=%d acquires=%d errors=%d\n",
				ps.Addr, ps.PoolStats.TotalConns, ps.PoolStats.IdleConns,
				ps.PoolStats.ActiveConns, ps.PoolStats.AcquireCount, ps.PoolStats.AcquireErrors)
		}
		cs := client.Stats()
		fmt.Printf("client: gets=%d hits=%d sets=%d deletes=%d errors=%d\n",
			cs.Gets, cs.GetHits, cs.Sets, cs.Deletes, cs.Errors)

	case "quit", "exit":
		fmt.Println("Goodbye!")
		return true

	default:
		fmt.Printf("Unknown command: %s\n", parts[0])
	}
	return false
}

func sinceString(start time.Time) string {
	return fmt.Sprintf("(%s)", time.Since(start).Round(time.Microsecond))
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/twlk9/lskv"
	"github.com/twlk9/lskv/logfile"
	"github.com/twlk9/lskv/tree"
)

var (
	statCmd = &cobra.Command{
		Use:   "stat",
		Short: "Show environment statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openEnv(true)
			if err != nil {
				return err
			}
			defer db.Close()

			stats := db.GetStats()
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Printf("Environment: %s\n", db.Path())
			fmt.Printf("Databases:   %v\n\n", db.DatabaseNames())
			for _, k := range keys {
				printStat(k, stats[k], "")
			}
			return nil
		},
	}

	segmentsCmd = &cobra.Command{
		Use:   "segments",
		Short: "List log segments with their estimated utilization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openEnv(true)
			if err != nil {
				return err
			}
			defer db.Close()

			u := db.UtilizationSummary()
			segs := make([]uint32, 0, len(u.Segments))
			for s := range u.Segments {
				segs = append(segs, s)
			}
			sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })

			fmt.Printf("%-10s %-12s %-10s %-10s %-10s %s\n", "Segment", "Size", "Entries", "Nodes", "Obsolete", "Utilization")
			fmt.Printf("%s\n", "--------------------------------------------------------------------------")
			for _, s := range segs {
				fs := u.Segments[s]
				fmt.Printf("%-10d %-12s %-10d %-10d %-10s %s\n", s, formatBytes(uint64(fs.TotalSize)),
					fs.TotalCount, fs.TotalINCount, formatBytes(uint64(fs.ObsoleteSize())), formatPercent(fs.Utilization()))
			}
			fmt.Printf("\nTotal: %s in %d segments, utilization %s, correction %s\n",
				formatBytes(uint64(u.Total.TotalSize)), len(segs), formatPercent(u.Total.Utilization()),
				strconv.FormatFloat(u.Correction, 'f', 3, 64))
			return nil
		},
	}

	dumpCmd = &cobra.Command{
		Use:   "dump [segment]",
		Short: "Dump the entries of one log segment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("path")
			seg, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid segment number: %s", args[0])
			}
			fi, err := os.Stat(logfile.SegmentPath(path, uint32(seg)))
			if err != nil {
				return err
			}
			fmt.Printf("Segment: %s\n", logfile.SegmentPath(path, uint32(seg)))
			fmt.Printf("File size: %s\n\n", formatBytes(uint64(fi.Size())))
			fmt.Printf("%-22s %-8s %-5s %-30s %s\n", "LSN", "Kind", "DB", "Key", "Size")
			fmt.Printf("%s\n", "---------------------------------------------------------------------------------")

			count := 0
			err = logfile.ScanSegment(path, uint32(seg), func(e *logfile.Entry) error {
				count++
				key := formatKey(e.Key, 28)
				if e.Kind.IsNode() {
					level, idKey, keys, _, err := tree.DecodeImage(e)
					if err != nil {
						return err
					}
					key = fmt.Sprintf("L%d %s (%d slots)", level, formatKey(idKey, 16), len(keys))
				}
				fmt.Printf("%-22s %-8s %-5d %-30s %d\n", e.LSN.String(), e.Kind.String(), e.DB, key, e.Size)
				return nil
			})
			fmt.Printf("\nTotal entries: %d\n", count)
			return err
		},
	}

	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Check every segment checksum and read every record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("path")
			segs, err := logfile.ListSegments(path)
			if err != nil {
				return err
			}
			fmt.Printf("Verifying environment: %s\n", path)
			entries := 0
			for _, s := range segs {
				if err := logfile.ScanSegment(path, s, func(*logfile.Entry) error {
					entries++
					return nil
				}); err != nil {
					return fmt.Errorf("segment %d: %w", s, err)
				}
			}
			fmt.Printf("  %d segments, %d entries, checksums ok\n", len(segs), entries)

			db, err := openEnv(true)
			if err != nil {
				return err
			}
			defer db.Close()
			for _, name := range db.DatabaseNames() {
				d, err := db.OpenDatabase(name, nil)
				if err != nil {
					return err
				}
				c, err := d.NewCursor(&lskv.ReadOptions{CacheMode: lskv.CacheEvictBIN})
				if err != nil {
					return err
				}
				n := 0
				for ok := c.First(); ok; ok = c.Next() {
					n++
				}
				if err := c.Err(); err != nil {
					c.Close()
					return fmt.Errorf("database %q: %w", name, err)
				}
				c.Close()
				fmt.Printf("  database %q: %d records readable\n", name, n)
			}
			fmt.Println("✓ Environment verification completed successfully")
			return nil
		},
	}

	cleanCmd = &cobra.Command{
		Use:   "clean",
		Short: "Clean segments below the utilization threshold and delete them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openEnv(false)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			n, err := db.Clean(ctx)
			if err != nil {
				return err
			}
			if err := db.Checkpoint(); err != nil {
				return err
			}
			fmt.Printf("cleaned %d segments\n", n)
			return nil
		},
	}

	evictCmd = &cobra.Command{
		Use:   "evict",
		Short: "Run one manual eviction batch and report the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openEnv(false)
			if err != nil {
				return err
			}
			defer db.Close()
			n, err := db.EvictMemory()
			if err != nil {
				return err
			}
			cs := db.CacheStats()
			fmt.Printf("evicted %d nodes, cache %s of %s\n", n, formatBytes(uint64(cs.UsedBytes)), formatBytes(uint64(cs.MaxBytes)))
			return nil
		},
	}

	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Print the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, d, err := openDatabase(true, false)
			if err != nil {
				return err
			}
			defer db.Close()
			v, err := d.Get([]byte(args[0]), nil)
			if err != nil {
				return err
			}
			fmt.Println(string(v))
			return nil
		},
	}

	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Set the value of a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, d, err := openDatabase(false, true)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := d.Put([]byte(args[0]), []byte(args[1]), lskv.Sync); err != nil {
				return err
			}
			fmt.Println("put successfully")
			return nil
		},
	}

	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, d, err := openDatabase(false, false)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := d.Delete([]byte(args[0]), lskv.Sync); err != nil {
				return err
			}
			fmt.Println("deleted successfully")
			return nil
		},
	}

	scanCmd = &cobra.Command{
		Use:   "scan [start]",
		Short: "List records from a key on",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, d, err := openDatabase(true, false)
			if err != nil {
				return err
			}
			defer db.Close()
			limit, _ := cmd.Flags().GetInt("limit")

			c, err := d.NewCursor(nil)
			if err != nil {
				return err
			}
			defer c.Close()
			var ok bool
			if len(args) == 1 {
				ok = c.Seek([]byte(args[0]))
			} else {
				ok = c.First()
			}
			for n := 0; ok && n < limit; n++ {
				fmt.Printf("%-30s %s\n", formatKey(c.Key(), 30), formatValue(c.Value(), 40))
				ok = c.Next()
			}
			return c.Err()
		},
	}

	metricsCmd = &cobra.Command{
		Use:   "metrics",
		Short: "Print the environment's metrics in the prometheus text format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openEnv(true)
			if err != nil {
				return err
			}
			defer db.Close()
			mfs, err := db.Metrics().Gather()
			if err != nil {
				return err
			}
			for _, mf := range mfs {
				if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
					return err
				}
			}
			return nil
		},
	}
)

func init() {
	scanCmd.Flags().Int("limit", 100, "maximum number of records to print")
}

func printStat(key string, v any, indent string) {
	if m, ok := v.(map[string]any); ok {
		fmt.Printf("%s%s:\n", indent, key)
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			printStat(k, m[k], indent+"  ")
		}
		return
	}
	fmt.Printf("%s%-20s %v\n", indent, key+":", v)
}

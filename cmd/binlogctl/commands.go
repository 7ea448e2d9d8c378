package main

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/downfa11-org/go-binlog/pkg/bench"
	"github.com/downfa11-org/go-binlog/pkg/catalog"
	"github.com/downfa11-org/go-binlog/pkg/config"
	"github.com/downfa11-org/go-binlog/pkg/record"
	"github.com/downfa11-org/go-binlog/pkg/replay"
	"github.com/downfa11-org/go-binlog/pkg/replication"
	"github.com/downfa11-org/go-binlog/pkg/writer"
	"github.com/downfa11-org/go-binlog/util"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type configFunc func() *config.Config

// appMagic is the type word binlogctl append gives to its records.
const appMagic = uint32(0x0a9f1e00)

func scanReplica(cfg *config.Config) (*catalog.Replica, error) {
	return catalog.Scan(cfg.BinlogDir, cfg.ReplicaPrefix, catalog.ScanOptions{})
}

func newScanCommand(conf configFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List the segments of a replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			replica, err := scanReplica(conf())
			if err != nil {
				return err
			}
			return printCatalog(cmd.OutOrStdout(), replica)
		},
	}
}

func printCatalog(out io.Writer, replica *catalog.Replica) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tFLAGS\tSIZE\tSTART\tHASH")
	for _, d := range replica.Binlogs {
		var start string
		hash := "-"
		if err := replica.Inspect(d); err != nil {
			start = "error: " + err.Error()
		} else {
			start = fmt.Sprint(d.Start())
			hash = fmt.Sprintf("%016x", d.Hash())
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", d.Name, d.Flags, d.FileSize(), start, hash)
	}
	for _, d := range replica.Snapshots {
		fmt.Fprintf(tw, "%s\t%s\t%d\t-\t-\n", d.Name, d.Flags, d.FileSize())
	}
	if replica.Encryption != nil {
		fmt.Fprintf(tw, "%s\tkey\t%d\t-\t-\n", replica.Encryption.Name, replica.Encryption.FileSize())
	}
	return tw.Flush()
}

func newReplayCommand(conf configFunc) *cobra.Command {
	var (
		from    int64
		entries bool
		quiet   bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a replica and verify its checksums and hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := conf()
			replica, err := scanReplica(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			var records int
			h := replay.Framed(func(pos int64, magic uint32, payload []byte) error {
				records++
				if !quiet {
					fmt.Fprintf(out, "%d\t%s\t%d bytes\n", pos, record.Name(magic), len(payload))
				}
				return nil
			})
			if entries {
				h = replication.EntryHandler(func(pos int64, e replication.Entry) error {
					records++
					if !quiet {
						fmt.Fprintf(out, "%d\tindex=%d term=%d\t%d bytes\n", pos, e.Index, e.Term, len(e.Data))
					}
					return nil
				})
			}

			r := replay.NewReader(replica, replay.ReaderOptions{
				Handler:       h,
				Policy:        cfg.Policy(),
				Flags:         cfg.StreamFlags(),
				ChunkSize:     cfg.ReadChunkSize,
				MaxRecordSize: cfg.MaxRecordSize,
			})
			st, err := r.ReplayContext(cmd.Context(), from)
			if st != nil {
				printState(out, st, records)
			}
			return err
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "log position to start handing records out from")
	cmd.Flags().BoolVar(&entries, "entries", false, "decode records as replicated raft entries")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the final state")
	return cmd
}

func printState(out io.Writer, st *replay.StreamState, records int) {
	fmt.Fprintf(out, "records:  %d\n", records)
	fmt.Fprintf(out, "position: %d\n", st.LogPos)
	if st.HasTag() {
		fmt.Fprintf(out, "tag:      %s\n", uuid.UUID(st.Tag))
	}
	fmt.Fprintf(out, "hash:     %016x (prev %016x)\n", st.Chain.Cur, st.Chain.Prev)
	fmt.Fprintf(out, "time:     %d..%d\n", st.FirstTS, st.LastTS)
}

func newZipCommand(conf configFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "zip SEGMENT...",
		Short: "Compress sealed segments with the configured codec",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := conf()
			replica, err := scanReplica(cfg)
			if err != nil {
				return err
			}
			byName := make(map[string]*catalog.Descriptor, len(replica.Binlogs))
			for _, d := range replica.Binlogs {
				byName[d.Name] = d
			}
			last := replica.Last()

			for _, name := range args {
				d, ok := byName[filepath.Base(name)]
				if !ok {
					return fmt.Errorf("%s is not a segment of %s/%s", name, cfg.BinlogDir, cfg.ReplicaPrefix)
				}
				if d == last {
					return fmt.Errorf("%s is the active segment", d.Name)
				}
				if d.Flags.Has(catalog.FlagZipped) {
					util.Warn("%s is already zipped", d.Name)
					continue
				}
				if err := replica.Inspect(d); err != nil {
					return err
				}
				dst, hdr, err := catalog.ZipSegment(d.Path, cfg.Codec(), d.Hash())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%d chunks, %s)\n", d.Name, filepath.Base(dst), hdr.Chunks(), cfg.Codec())
			}
			return nil
		},
	}
}

func newAppendCommand(conf configFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "append",
		Short: "Append each line of stdin as one record",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg := conf()
			w, err := writer.Open(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := w.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			sc := bufio.NewScanner(cmd.InOrStdin())
			sc.Buffer(make([]byte, 64<<10), cfg.MaxRecordSize-record.FramedHeaderSize-4)
			n := 0
			for sc.Scan() {
				if err := w.Append(record.AppendFramed(nil, appMagic, sc.Bytes())); err != nil {
					return err
				}
				n++
			}
			if err := sc.Err(); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "appended %d records, position %d\n", n, w.Pos())
			return nil
		},
	}
}

func newBenchCommand(conf configFunc) *cobra.Command {
	var producers, messages, size int
	var syncAppend bool
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure append and replay throughput on the configured replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := bench.NewBenchmarkRunner(conf(), producers, messages, size, syncAppend)
			res, err := r.Run()
			if res != nil {
				res.Print(cmd.OutOrStdout(), producers)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&producers, "producers", 4, "number of concurrent producers")
	cmd.Flags().IntVar(&messages, "messages", 10000, "messages per producer")
	cmd.Flags().IntVar(&size, "size", 100, "message payload size in bytes")
	cmd.Flags().BoolVar(&syncAppend, "sync", false, "wait for every message to be written")
	return cmd
}

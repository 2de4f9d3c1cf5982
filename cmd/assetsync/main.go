package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/hostfleet/assetsync/internal/archive"
	"github.com/hostfleet/assetsync/internal/config"
	"github.com/hostfleet/assetsync/internal/mirror"
	"github.com/hostfleet/assetsync/internal/runstate"
	"github.com/hostfleet/assetsync/internal/s3"
	"github.com/hostfleet/assetsync/internal/syncer"
	"github.com/hostfleet/assetsync/pkg/logger"
)

func main() {
	cfg := config.Load()

	app := &cli.App{
		Name:  "assetsync",
		Usage: "Keep build hosts supplied with versioned VM images and repo mirrors",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   cfg.Log.Level,
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			logger.Setup(c.String("log-level"), cfg.Log.JSON)
			return nil
		},
		Commands: []*cli.Command{
			syncCommand(cfg),
			uploadCommand(cfg),
			manifestCommand(cfg),
			presignCommand(cfg),
			uploadsCommand(cfg),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func newStoreClient(cfg *config.Config) (*s3.Client, error) {
	return s3.NewClient(s3.Options{
		Endpoint: cfg.Store.Endpoint,
		Bucket:   cfg.Store.Bucket,
		Credentials: s3.Credentials{
			AccessKey: cfg.Store.AccessKey,
			SecretKey: cfg.Store.SecretKey,
			Region:    cfg.Store.Region,
		},
		UseSSL: cfg.Store.UseSSL,
	})
}

func newRunStateStore(cfg *config.Config) (runstate.Store, error) {
	if cfg.RunState.RedisURL != "" {
		return runstate.NewRedisStore(cfg.RunState.RedisURL, cfg.RunState.LockStale)
	}
	return runstate.NewFileStore(cfg.RunState.Dir, cfg.RunState.LockStale)
}

func newMirrorChain(cfg *config.Config, client *s3.Client) *mirror.Chain {
	providers := make([]mirror.Provider, 0, len(cfg.Mirror.CacheURLs)+1)
	for _, u := range cfg.Mirror.CacheURLs {
		providers = append(providers, mirror.NewCacheProvider(u, cfg.Store.Bucket, nil))
	}
	providers = append(providers, mirror.NewStoreProvider(client))
	return mirror.NewChain(providers...)
}

// progressLogger logs transfer progress; the client already rate-limits
// callbacks.
func progressLogger(name string) s3.Progress {
	return func(done, total int64) {
		log.Debug().Str("asset", name).Int64("done", done).Int64("total", total).Msg("transfer progress")
	}
}

func syncCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Reconcile the local asset set against the authoritative manifest",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "job", Value: "image-sync", Usage: "logical job identifier for the policy gate"},
			&cli.BoolFlag{Name: "force", Usage: "override the scheduled-interval policy"},
			&cli.DurationFlag{Name: "interval", Value: cfg.Sync.Interval, EnvVars: []string{"SYNC_INTERVAL"}},
			&cli.IntFlag{Name: "parallel", Value: cfg.Sync.Parallel, Usage: "concurrent downloads"},
			&cli.BoolFlag{Name: "allow-empty-manifest-deletes", Usage: "execute deletions even when the manifest is empty"},
		},
		Action: func(c *cli.Context) error {
			client, err := newStoreClient(cfg)
			if err != nil {
				return err
			}
			stateStore, err := newRunStateStore(cfg)
			if err != nil {
				return err
			}
			s := syncer.New(client, newMirrorChain(cfg, client), syncer.Options{
				AssetDir:              cfg.Sync.AssetDir,
				RemotePrefix:          cfg.Sync.RemotePrefix,
				ManifestKey:           cfg.Sync.ManifestKey,
				Protected:             cfg.Sync.ProtectedNames,
				Parallel:              c.Int("parallel"),
				DeleteOnEmptyManifest: c.Bool("allow-empty-manifest-deletes"),
			})

			gate := runstate.NewGate(stateStore)
			err = gate.Run(c.Context, c.String("job"), runstate.RunOptions{
				Interval: c.Duration("interval"),
				Force:    c.Bool("force"),
			}, func(ctx context.Context, heartbeat func()) error {
				result, err := s.Run(ctx, heartbeat)
				if result != nil {
					log.Info().
						Int("downloaded", len(result.Downloaded)).
						Int("deleted", len(result.Deleted)).
						Int("failed", len(result.Failed)).
						Msg("sync finished")
					for key, ferr := range result.Failed {
						log.Warn().Err(ferr).Str("asset", key).Msg("asset was skipped")
					}
				}
				return err
			})
			if runstate.IsRefusal(err) {
				// Clean no-op: another invocation ran recently or is running.
				log.Info().Err(err).Msg("sync skipped by policy gate")
				return nil
			}
			return err
		},
	}
}

func uploadCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload an asset (a file, or a directory packed on the fly) to the store",
		ArgsUsage: "<path> <key>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("usage: assetsync upload <path> <key>")
			}
			path, key := c.Args().Get(0), c.Args().Get(1)

			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if info.IsDir() {
				packed := strings.TrimSuffix(path, "/") + archive.Suffix
				log.Info().Str("dir", path).Str("archive", packed).Msg("packing directory")
				if err := archive.Pack(path, packed); err != nil {
					return err
				}
				defer os.Remove(packed)
				path = packed
				if !strings.HasSuffix(key, archive.Suffix) {
					key += archive.Suffix
				}
			}

			client, err := newStoreClient(cfg)
			if err != nil {
				return err
			}
			if err := client.Upload(c.Context, path, key, progressLogger(key)); err != nil {
				return err
			}
			log.Info().Str("key", key).Msg("uploaded")
			return nil
		},
	}
}

func manifestCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "manifest",
		Usage: "Regenerate the asset manifest from a storage directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Value: cfg.Sync.AssetDir, Usage: "asset storage directory to walk"},
			&cli.StringFlag{Name: "out", Value: "-", Usage: "output file, - for stdout"},
			&cli.BoolFlag{Name: "upload", Usage: "also upload the manifest to its configured key"},
		},
		Action: func(c *cli.Context) error {
			m, err := syncer.GenerateManifest(c.String("dir"))
			if err != nil {
				return err
			}

			out := c.String("out")
			if out == "-" {
				_, err = m.WriteTo(os.Stdout)
			} else {
				err = writeManifestFile(m, out)
			}
			if err != nil {
				return err
			}

			if c.Bool("upload") {
				tmp, err := os.CreateTemp("", "assetsync-manifest-*")
				if err != nil {
					return err
				}
				defer os.Remove(tmp.Name())
				if _, err := m.WriteTo(tmp); err != nil {
					tmp.Close()
					return err
				}
				tmp.Close()
				client, err := newStoreClient(cfg)
				if err != nil {
					return err
				}
				if err := client.Upload(c.Context, tmp.Name(), cfg.Sync.ManifestKey, nil); err != nil {
					return err
				}
				log.Info().Str("key", cfg.Sync.ManifestKey).Int("entries", m.Len()).Msg("manifest uploaded")
			}
			return nil
		},
	}
}

func writeManifestFile(m *syncer.Manifest, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := m.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func presignCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "presign",
		Usage:     "Print a time-limited URL granting read access to an asset",
		ArgsUsage: "<key>",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: assetsync presign <key>")
			}
			client, err := newStoreClient(cfg)
			if err != nil {
				return err
			}
			fmt.Println(client.Presign(c.Args().First(), c.Duration("ttl")))
			return nil
		},
	}
}

func uploadsCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "uploads",
		Usage: "Inspect and clean up abandoned multipart upload sessions",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List multipart sessions the store still holds open",
				Action: func(c *cli.Context) error {
					client, err := newStoreClient(cfg)
					if err != nil {
						return err
					}
					sessions, err := client.ListUploads(c.Context)
					if err != nil {
						return err
					}
					for _, s := range sessions {
						fmt.Printf("%s\t%s\t%s\n", s.Key, s.UploadID, s.Initiated.Format(time.RFC3339))
					}
					if len(sessions) == 0 {
						log.Info().Msg("no open multipart sessions")
					}
					return nil
				},
			},
			{
				Name:  "abort",
				Usage: "Abort sessions older than --age (all of them with --age 0)",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "age", Value: 24 * time.Hour},
				},
				Action: func(c *cli.Context) error {
					client, err := newStoreClient(cfg)
					if err != nil {
						return err
					}
					sessions, err := client.ListUploads(c.Context)
					if err != nil {
						return err
					}
					cutoff := time.Now().Add(-c.Duration("age"))
					for _, s := range sessions {
						if c.Duration("age") > 0 && s.Initiated.After(cutoff) {
							continue
						}
						if err := client.AbortUpload(c.Context, s.Key, s.UploadID); err != nil {
							log.Warn().Err(err).Str("key", s.Key).Msg("abort failed")
							continue
						}
						log.Info().Str("key", s.Key).Str("upload_id", s.UploadID).Msg("session aborted")
					}
					return nil
				},
			},
		},
	}
}

// cmd/meshnode is the single entry point for a mesh block store node: the
// "serve" subcommand runs the daemon, the rest are a thin HTTP client
// talking to a running node's Control Surface façade, generalized from the
// teacher's separate cmd/server (daemon) and cmd/client (cobra CLI) into
// one cobra tree on one binary.
//
// Example — two-node mesh:
//
//	./meshnode serve --label nodo1 --http-addr :9090 --tcp-port 8888 --udp-port 8889 --storage-dir /tmp/n1
//	./meshnode serve --http-addr :9091 --tcp-port 8889 --udp-port 8890 --storage-dir /tmp/n2 --seed 127.0.0.1:8888
//	./meshnode upload doc.bin /tmp/doc.bin --server http://localhost:9090
//	./meshnode ls files --server http://localhost:9090
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"meshblob/internal/api"
	"meshblob/internal/blockstore"
	"meshblob/internal/client"
	"meshblob/internal/config"
	"meshblob/internal/control"
	"meshblob/internal/metrics"
	"meshblob/internal/mesh"
	"meshblob/internal/placement"
	"meshblob/internal/registry"
	"meshblob/internal/transport"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "meshnode",
		Short: "A node in a peer-to-peer mesh block store",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:9090", "running node's HTTP façade address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(serveCmd(), connectCmd(), uploadCmd(), downloadCmd(),
		rmCmd(), lsCmd(), statusCmd(), setCapacityCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <peer_address>",
		Short: "Join the mesh through an existing peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			label, err := c.Connect(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("connected as %s\n", label)
			return nil
		},
	}
}

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <name> <local_path>",
		Short: "Upload a local file into the mesh",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.Upload(context.Background(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("uploaded %q\n", args[0])
			return nil
		},
	}
}

func downloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <name> <local_path>",
		Short: "Download a mesh file to a local path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.Download(context.Background(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("downloaded %q to %q\n", args[0], args[1])
			return nil
		},
	}
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a mesh file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.Delete(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %q\n", args[0])
			return nil
		},
	}
}

func lsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List nodes, files, or blocks",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "nodes",
			Short: "List every known node",
			RunE: func(cmd *cobra.Command, args []string) error {
				c := client.New(serverAddr, timeout)
				nodes, err := c.ListNodes(context.Background())
				if err != nil {
					return err
				}
				return prettyPrint(nodes)
			},
		},
		&cobra.Command{
			Use:   "files",
			Short: "List every non-deleted file",
			RunE: func(cmd *cobra.Command, args []string) error {
				c := client.New(serverAddr, timeout)
				files, err := c.ListFiles(context.Background())
				if err != nil {
					return err
				}
				return prettyPrint(files)
			},
		},
		&cobra.Command{
			Use:   "blocks",
			Short: "List every block's placement",
			RunE: func(cmd *cobra.Command, args []string) error {
				c := client.New(serverAddr, timeout)
				blocks, err := c.ListBlocks(context.Background())
				if err != nil {
					return err
				}
				return prettyPrint(blocks)
			},
		},
	)
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show this node's label, peer count, and aggregate capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			st, err := c.Status(context.Background())
			if err != nil {
				return err
			}
			return prettyPrint(st)
		},
	}
}

func setCapacityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-capacity <bytes>",
		Short: "Change this node's declared capacity (only while disconnected)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bytes, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid byte count %q: %w", args[0], err)
			}
			c := client.New(serverAddr, timeout)
			if err := c.SetCapacity(context.Background(), bytes); err != nil {
				return err
			}
			fmt.Printf("capacity set to %d bytes\n", bytes)
			return nil
		},
	}
}

func prettyPrint(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return nil
	}
	fmt.Println(string(data))
	return nil
}

// ─── serve ────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	var (
		configPath  string
		label       string
		seed        string
		httpAddr    string
		tcpPort     int
		udpPort     int
		storageDir  string
		capacity    int64
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run this node's daemon: mesh membership, placement, and the HTTP façade",
		RunE: func(cmd *cobra.Command, args []string) error {
			b := &config.Bootstrap{ConfigPath: configPath, Label: label, SeedAddress: seed}
			cfg, err := config.Load(b)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}
			if tcpPort != 0 {
				cfg.TCPPort = tcpPort
			}
			if udpPort != 0 {
				cfg.UDPPort = udpPort
			}
			if storageDir != "" {
				cfg.StorageDir = storageDir
			}
			if capacity != 0 {
				cfg.CapacityBytes = capacity
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&label, "label", "", "override this node's label (rejoin after a crash)")
	cmd.Flags().StringVar(&seed, "seed", "", "address of an existing peer to join through")
	cmd.Flags().StringVar(&httpAddr, "http-addr", ":9090", "Control Surface HTTP façade listen address")
	cmd.Flags().IntVar(&tcpPort, "tcp-port", 0, "reliable channel TCP port (0 = use config default)")
	cmd.Flags().IntVar(&udpPort, "udp-port", 0, "heartbeat channel UDP port (0 = use config default)")
	cmd.Flags().StringVar(&storageDir, "storage-dir", "", "directory for block storage and the metadata snapshot")
	cmd.Flags().Int64Var(&capacity, "capacity-bytes", 0, "declared capacity in bytes (0 = use config default)")
	return cmd
}

func runServe(cfg *config.Config) error {
	log := logrus.NewEntry(logrus.New())

	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	blocksDir := cfg.StorageDir + "/blocks"
	if err := os.MkdirAll(blocksDir, 0o755); err != nil {
		return fmt.Errorf("create blocks dir: %w", err)
	}

	selfLabel := cfg.Label
	if selfLabel == "" {
		selfLabel = "nodo1"
	}

	reg, err := registry.Load(registry.MetadataPath(cfg.StorageDir), selfLabel, log)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	defer reg.Close()

	store, err := blockstore.Open(blocksDir)
	if err != nil {
		return fmt.Errorf("open block store: %w", err)
	}

	pool := transport.NewPool(30 * time.Second)

	tcpSrv, err := transport.Listen(fmt.Sprintf(":%d", cfg.TCPPort), log)
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	defer tcpSrv.Close()

	m := mesh.New(reg.SelfLabel(), tcpSrv.Addr().String(), reg, pool, clockwork.NewRealClock(), log)
	eng := placement.New(reg, store, pool, m, log)
	m.SetOnReturn(func(peerLabel, address string) {
		if err := m.RequestMetaSync(address); err != nil {
			log.WithError(err).WithField("peer", peerLabel).Warn("meta_sync after peer return failed")
		}
		eng.RetryPendingDeletes(peerLabel, address)
	})
	eng.OnPeerUnreachable = func(peerLabel string) {
		log.WithField("peer", peerLabel).Debug("peer unreachable during placement")
	}

	tcpSrv.Handle(transport.OpHello, m.HandleHello)
	tcpSrv.Handle(transport.OpPeerList, m.HandlePeerList)
	tcpSrv.Handle(transport.OpMetaSync, m.HandleMetaSync)
	tcpSrv.Handle(transport.OpFileAnnounce, m.HandleFileAnnounce)
	tcpSrv.Handle(transport.OpFileDelete, m.HandleFileDelete)
	tcpSrv.Handle(transport.OpCapacityUpdate, m.HandleCapacityUpdate)
	tcpSrv.Handle(transport.OpBlockPut, eng.HandleBlockPut)
	tcpSrv.Handle(transport.OpBlockGet, eng.HandleBlockGet)
	tcpSrv.Handle(transport.OpBlockDelete, eng.HandleBlockDelete)

	if _, ok := reg.GetNode(reg.SelfLabel()); !ok {
		reg.UpsertNode(registry.Node{
			Label: reg.SelfLabel(), Address: tcpSrv.Addr().String(),
			Online: true, CapacityBytes: cfg.CapacityBytes, LastHeartbeat: time.Now(),
		})
	}

	go func() {
		log.WithField("addr", tcpSrv.Addr().String()).Info("tcp channel listening")
		if err := tcpSrv.Serve(); err != nil {
			log.WithError(err).Error("tcp server stopped")
		}
	}()

	udpListener, err := transport.ListenUDP(fmt.Sprintf(":%d", cfg.UDPPort))
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer udpListener.Close()
	go func() {
		if err := udpListener.Serve(func(from net.Addr, hb transport.Heartbeat) {
			m.OnHeartbeat(hb)
		}); err != nil {
			log.WithError(err).Error("udp listener stopped")
		}
	}()

	udpSender, err := transport.NewUDPSender()
	if err != nil {
		return fmt.Errorf("open udp sender: %w", err)
	}
	defer udpSender.Close()

	if cfg.SeedAddress != "" {
		if err := m.Join(cfg.SeedAddress); err != nil {
			return fmt.Errorf("join %s: %w", cfg.SeedAddress, err)
		}
		log.WithField("label", m.SelfLabel()).Info("joined mesh")
	}

	m.Run(udpSender, strconv.Itoa(cfg.UDPPort))
	defer m.Stop()

	metrics.Register()

	surface := control.New(reg, m, eng, log)
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(log), api.Recovery(log))
	api.NewHandler(surface).Register(router)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http façade listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server error")
		}
	}()

	snapshotTicker := time.NewTicker(60 * time.Second)
	defer snapshotTicker.Stop()
	stopSnapshots := make(chan struct{})
	go func() {
		for {
			select {
			case <-snapshotTicker.C:
				if err := reg.Close(); err != nil {
					log.WithError(err).Warn("periodic snapshot failed")
				}
			case <-stopSnapshots:
				return
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	close(stopSnapshots)

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http server shutdown error")
	}
	return nil
}

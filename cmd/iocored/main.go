// Command iocored runs the disk I/O core as a standalone daemon: one
// service goroutine and one page cache per disk, all caches sharing a
// slab-backed memory manager, a periodic stats reporter, and an optional
// gRPC admin surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"google.golang.org/grpc"

	"github.com/SimonWaldherr/tinysql-iocore/internal/asyncio"
	"github.com/SimonWaldherr/tinysql-iocore/internal/diskio"
	"github.com/SimonWaldherr/tinysql-iocore/internal/ioadmin"
	"github.com/SimonWaldherr/tinysql-iocore/internal/ioconfig"
	"github.com/SimonWaldherr/tinysql-iocore/internal/iometrics"
	"github.com/SimonWaldherr/tinysql-iocore/internal/numa"
	"github.com/SimonWaldherr/tinysql-iocore/internal/pagecache"
	"github.com/SimonWaldherr/tinysql-iocore/internal/slab"
)

var (
	flagConfig = flag.String("config", "", "YAML config file overriding the built-in defaults (optional)")
	flagGRPC   = flag.String("grpc", ":9191", "gRPC admin listen address (empty to disable)")
	flagDisks  = flag.Int("disks", 2, "number of simulated disks, each bound to a NUMA node in round-robin")
)

func main() {
	flag.Parse()

	cfg, err := ioconfig.Load(*flagConfig)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *flagDisks <= 0 {
		log.Fatalf("-disks must be positive, got %d", *flagDisks)
	}

	topo := numa.Discover()
	log.Printf("numa topology: %d node(s), affinity available=%v", topo.NumNodes, topo.Available())

	pages, err := slab.New(slab.Config{
		Name:         "pages",
		ObjSize:      cfg.PageSize,
		IncreaseSize: cfg.IncreaseSize,
		Ceiling:      cfg.SlabCeilingBytes,
		LocalBufSize: cfg.LocalBufSize,
	})
	if err != nil {
		log.Fatalf("create slab allocator: %v", err)
	}
	defer pages.Close()

	mm := slab.NewMemoryManager(pages, cfg.ShrinkNPages)
	memMetrics := iometrics.NewContext("slab")
	mm.SetMetrics(memMetrics)

	numDisks := *flagDisks
	mapper := func(offset int64) int {
		d := int(offset % int64(numDisks))
		if d < 0 {
			d += numDisks
		}
		return d
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	contexts := make([]*iometrics.Context, 0, numDisks+1)
	contexts = append(contexts, memMetrics)
	services := make([]*diskio.Service, 0, numDisks)

	for i := 0; i < numDisks; i++ {
		node := topo.NodeFor(i)
		name := fmt.Sprintf("disk%d", i)

		hi := diskio.NewQueue(name+"-hi", node, cfg.IOQueueSize)
		lo := diskio.NewQueue(name+"-lo", node, cfg.IOQueueSize)

		engine, err := asyncio.New(asyncio.Config{Partition: name, Depth: cfg.AIODepthPerFile, Node: node})
		if err != nil {
			log.Fatalf("%s: create async engine: %v", name, err)
		}

		cache := pagecache.New(pagecache.Config{}, mm, lo)
		mm.Register(cache)

		metrics := iometrics.NewContext(name)
		filter := diskio.NewDirtyPageFilter(i, mapper)

		svcCfg := diskio.Config{
			Name:                  name,
			Node:                  node,
			AIODepth:              cfg.AIODepthPerFile,
			HighPrioSlots:         ioconfig.AIOHighPrioSlots,
			NumDirtyPagesToFetch:  cfg.NumDirtyPagesToFetch,
			DiscardFlushThreshold: cfg.DiscardFlushThreshold,
			MsgBatchSize:          cfg.IOMsgSize,
		}
		svc, err := diskio.NewService(svcCfg, hi, lo, engine, cache, filter, metrics)
		if err != nil {
			log.Fatalf("%s: create service: %v", name, err)
		}

		contexts = append(contexts, metrics)
		services = append(services, svc)

		go func(name string, node int, svc *diskio.Service) {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if err := numa.BindCurrentThread(node); err != nil {
				log.Printf("%s: numa bind to node %d: %v", name, node, err)
			}
			if err := svc.Run(ctx); err != nil {
				log.Fatalf("%s: service exited: %v", name, err)
			}
		}(name, node, svc)
	}

	reporter, err := iometrics.NewReporter(cfg.StatsIntervalCron, log.Default(), contexts...)
	if err != nil {
		log.Fatalf("create stats reporter: %v", err)
	}
	reporter.Start()
	defer reporter.Stop()

	var grpcServer *grpc.Server
	if *flagGRPC != "" {
		lis, err := net.Listen("tcp", *flagGRPC)
		if err != nil {
			log.Fatalf("gRPC listen on %s: %v", *flagGRPC, err)
		}
		grpcServer = grpc.NewServer()
		ioadmin.RegisterStatsServer(grpcServer, ioadmin.NewService(contexts...))
		go func() {
			log.Printf("gRPC admin surface listening on %s", *flagGRPC)
			if err := grpcServer.Serve(lis); err != nil {
				log.Printf("gRPC serve error: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Print("shutting down")
	cancel()
	for _, svc := range services {
		if err := svc.Close(); err != nil {
			log.Printf("service close: %v", err)
		}
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
}

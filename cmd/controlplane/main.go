// Command controlplane runs the flowplane Envoy xDS control plane: an
// Aggregated Discovery Service (ADS) gRPC server plus a minimal HTTP admin
// surface for creating/updating the teams, dataplanes, and resource records
// it distributes.
//
// Process bootstrap follows the teacher's cmd/cds/main.go: flag groups
// registered with opinionated-server, which also supplies the health and
// metrics HTTP endpoints spec.md §6.3 calls for ("outside core").
package main

import (
	"context"
	"net/http"

	"github.com/jrockway/opinionated-server/server"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"

	"github.com/flowplane/flowplane/internal/adminapi"
	"github.com/flowplane/flowplane/internal/adsserver"
	"github.com/flowplane/flowplane/internal/bus"
	"github.com/flowplane/flowplane/internal/config"
	"github.com/flowplane/flowplane/internal/identity"
	"github.com/flowplane/flowplane/internal/repository"
	"github.com/flowplane/flowplane/internal/repository/k8srepo"
	"github.com/flowplane/flowplane/internal/repository/memstore"
	"github.com/flowplane/flowplane/internal/snapshot"
	"github.com/flowplane/flowplane/internal/translator"
)

type flags struct {
	RepositoryBackend string `long:"repository_backend" env:"FLOWPLANE_REPOSITORY_BACKEND" description:"repository backend: memstore or k8s"`
}

type k8sFlags struct {
	Namespace  string `long:"k8s_namespace" env:"FLOWPLANE_K8S_NAMESPACE" description:"namespace to watch for ConfigMap-backed records"`
	Kubeconfig string `long:"kubeconfig" env:"KUBECONFIG" description:"kubeconfig to use outside the cluster; empty means in-cluster"`
}

func main() {
	server.AppName = "flowplane-controlplane"

	f := new(flags)
	server.AddFlagGroup("flowplane", f)
	kf := new(k8sFlags)
	server.AddFlagGroup("Kubernetes", kf)
	server.Setup()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("problem loading configuration", zap.Error(err))
	}
	if f.RepositoryBackend != "" {
		cfg.RepositoryBackend = f.RepositoryBackend
	}
	if kf.Namespace != "" {
		cfg.K8sNamespace = kf.Namespace
	}
	if kf.Kubeconfig != "" {
		cfg.K8sKubeconfig = kf.Kubeconfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var repo repository.Repository
	var writable *memstore.Store
	switch cfg.RepositoryBackend {
	case "k8s":
		var w *k8srepo.Watcher
		var err error
		if cfg.K8sKubeconfig != "" {
			zap.L().Info("connecting to kubernetes, outside of cluster", zap.String("kubeconfig", cfg.K8sKubeconfig))
			w, err = k8srepo.ConnectOutOfCluster(cfg.K8sNamespace, cfg.K8sKubeconfig, "")
		} else {
			zap.L().Info("connecting to kubernetes, running in-cluster")
			w, err = k8srepo.ConnectInCluster(cfg.K8sNamespace)
		}
		if err != nil {
			zap.L().Fatal("problem connecting to cluster", zap.Error(err))
		}
		repo = w
		go func() {
			if err := w.Run(ctx); err != nil {
				zap.L().Error("k8s repository watch ended", zap.Error(err))
			}
		}()
	default:
		s := memstore.New()
		repo = s
		writable = s
	}

	snap := snapshot.New()
	b := bus.New(repo, translator.New(), snap, cfg.Debounce, zap.L().Named("bus"))

	go func() {
		if err := b.Run(ctx); err != nil && err != context.Canceled {
			zap.L().Error("change bus stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := b.ListenRepository(ctx); err != nil {
			zap.L().Error("change bus repository listener stopped", zap.Error(err))
		}
	}()

	var idOpts []identity.Option
	if cfg.RequireMTLSIdentity {
		idOpts = append(idOpts, identity.WithMTLSAdmission())
	}
	if cfg.StrictDNS {
		idOpts = append(idOpts, identity.WithStrictDNS(cfg.DNSServerAddr))
	}
	resolver := identity.New(repo, idOpts...)

	adsCfg := adsserver.Config{IdleTimeout: cfg.IdleTimeout, PendingResponseTimeout: cfg.PendingResponseTimeout}
	ads := adsserver.New(snap, b, resolver, zap.L().Named("adsserver"), adsCfg)

	server.AddService(func(s *grpc.Server) {
		discovery.RegisterAggregatedDiscoveryServiceServer(s, ads)
	})

	if writable != nil {
		admin := adminapi.New(writable, b, zap.L().Named("adminapi"))
		http.Handle("/", admin.Handler())
	} else {
		zap.L().Info("admin write API disabled: repository backend is read-only", zap.String("backend", cfg.RepositoryBackend))
	}

	// TLS/mTLS for the gRPC listener is configured through
	// opinionated-server's own flag group (cert/key/client-CA paths), not
	// here; cfg.TLSCertFile et al. exist so internal/config validates the
	// operator's intent (e.g. requiring a client CA when mTLS identity
	// admission is on) even though this binary doesn't load them itself.
	server.ListenAndServe()
}

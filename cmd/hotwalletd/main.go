package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
	"github.com/urfave/cli/v2"

	"github.com/polygon-custody/hotwallet/internal/api"
	"github.com/polygon-custody/hotwallet/internal/config"
	"github.com/polygon-custody/hotwallet/internal/faucet"
	"github.com/polygon-custody/hotwallet/internal/metrics"
	"github.com/polygon-custody/hotwallet/internal/monitor"
	"github.com/polygon-custody/hotwallet/internal/notifier"
	"github.com/polygon-custody/hotwallet/internal/rpcclient"
	"github.com/polygon-custody/hotwallet/internal/service"
	"github.com/polygon-custody/hotwallet/internal/store"
	"github.com/polygon-custody/hotwallet/internal/sweeper"
	"github.com/polygon-custody/hotwallet/internal/wallet"
)

var app = &cli.App{
	Name:  "hotwalletd",
	Usage: "custodial EVM hot wallet aggregator: deposit scanning, sweeping and faucet top-ups",
	Action: func(c *cli.Context) error {
		return runDaemon(c.Context)
	},
	Commands: []*cli.Command{
		{
			Name:  "list-deposits",
			Usage: "print every detected-but-unswept deposit in the local store",
			Action: func(c *cli.Context) error {
				return listDeposits(c.Context)
			},
		},
	},
}

func main() {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Error("hotwalletd exited with error", "err", err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("starting hotwalletd", "port", cfg.Port, "poll_interval", cfg.PollInterval, "block_offset", cfg.BlockOffsetFromHead)
	logHostDiagnostics()

	depositWallet, err := wallet.New(cfg.Mnemonic)
	if err != nil {
		return fmt.Errorf("loading deposit wallet: %w", err)
	}
	faucetWallet, err := wallet.New(cfg.FaucetMnemonic)
	if err != nil {
		return fmt.Errorf("loading faucet wallet: %w", err)
	}
	faucetSigner, err := faucetWallet.Signer(0)
	if err != nil {
		return fmt.Errorf("deriving faucet signer: %w", err)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	rpcCfg := rpcclient.Config{RatePerSecond: cfg.RatePerSecond, SupportsWS: cfg.UsesWS()}
	var rpc rpcclient.Client
	if cfg.UsesWS() {
		rpcCfg.URL = cfg.WSURL
		rpc, err = rpcclient.NewWS(ctx, rpcCfg)
	} else {
		rpcCfg.URL = cfg.RPCURL
		rpc, err = rpcclient.NewHTTP(ctx, rpcCfg)
	}
	if err != nil {
		return fmt.Errorf("dialing RPC endpoint: %w", err)
	}
	defer rpc.Close()

	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("fetching chain id: %w", err)
	}

	existentialDeposit := new(big.Int).Set(cfg.ExistentialDeposit)
	f := faucet.New(rpc, faucetSigner, chainID, existentialDeposit)
	n := notifier.New()

	mon := monitor.New(rpc, st, n, monitor.Config{
		ConfirmationOffset: cfg.BlockOffsetFromHead,
		PollInterval:       cfg.PollInterval,
		FaucetAddress:      common.HexToAddress(cfg.FaucetAddress),
		WebhookBearer:      cfg.WebhookJWTToken,
	})
	sw := sweeper.New(rpc, st, depositWallet, f, n, sweeper.Config{
		Treasury:      common.HexToAddress(cfg.TreasuryAddress),
		ChainID:       chainID,
		PollInterval:  cfg.PollInterval,
		WebhookBearer: cfg.WebhookJWTToken,
	})

	svc := service.New(service.Deps{
		Wallet:        depositWallet,
		Store:         st,
		RPC:           rpc,
		Faucet:        f,
		Notifier:      n,
		Monitor:       mon,
		Sweeper:       sw,
		WebhookBearer: cfg.WebhookJWTToken,
		UseWS:         cfg.UsesWS(),
	})

	reg := metrics.NewRegistry()
	srv := api.New(svc, st, reg)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		errCh <- svc.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("service loop terminated", "err", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func listDeposits(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	native, err := st.ListDetectedNative()
	if err != nil {
		return fmt.Errorf("listing native deposits: %w", err)
	}
	erc20Deposits, err := st.ListDetectedErc20()
	if err != nil {
		return fmt.Errorf("listing erc20 deposits: %w", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"kind", "tx_hash", "registration_id", "amount", "token"})
	for _, d := range native {
		table.Append([]string{"native", d.TxHash, d.RegistrationID, d.AmountWei.String(), "native"})
	}
	for _, d := range erc20Deposits {
		table.Append([]string{"erc20", d.TxHash, d.RegistrationID, d.Amount.String(), d.TokenSymbol})
	}
	table.Render()
	return nil
}

func logHostDiagnostics() {
	info, err := host.Info()
	if err != nil {
		log.Warn("host diagnostics unavailable", "err", err)
		return
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("memory diagnostics unavailable", "err", err)
		return
	}
	log.Info("host diagnostics", "os", info.OS, "platform", info.Platform, "uptime_s", info.Uptime, "mem_total_mb", vm.Total/1024/1024, "mem_used_pct", vm.UsedPercent)
}

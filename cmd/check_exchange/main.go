package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/crypto_ob_trader/internal/config"
	"github.com/vitos/crypto_ob_trader/internal/infrastructure/exchange"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Testing Bybit interaction...\n")
	fmt.Printf("Endpoint: %s\n", cfg.Exchange.RESTEndpoint)

	adapter := exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret,
		cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint)
	ctx := context.Background()
	symbol := cfg.Trading.Symbol

	price, err := adapter.GetPrice(ctx, symbol)
	if err != nil {
		fmt.Printf("FAIL price: %v\n", err)
	} else {
		fmt.Printf("OK price (%s): %f\n", symbol, price)
	}

	candles, err := adapter.GetCandles(ctx, symbol, cfg.Trading.Timeframe, 5)
	if err != nil {
		fmt.Printf("FAIL candles: %v\n", err)
	} else {
		fmt.Printf("OK candles: %d bars, last close %f\n", len(candles), candles[len(candles)-1].Close)
	}

	rules, err := adapter.GetMarketRules(ctx, symbol)
	if err != nil {
		fmt.Printf("FAIL market rules: %v\n", err)
	} else {
		fmt.Printf("OK rules: min=%f step=%f tick=%f\n", rules.MinSize, rules.SizeIncrement, rules.TickSize)
	}

	if cfg.Exchange.APIKey == "" {
		fmt.Println("No API key configured, skipping private endpoints")
		return
	}

	balance, err := adapter.GetBalance(ctx)
	if err != nil {
		fmt.Printf("FAIL balance: %v\n", err)
	} else {
		fmt.Printf("OK balance: %f USDT\n", balance)
	}

	pos, err := adapter.GetLivePosition(ctx, symbol)
	if err != nil {
		fmt.Printf("FAIL position: %v\n", err)
	} else if pos == nil {
		fmt.Printf("OK position: none open for %s\n", symbol)
	} else {
		fmt.Printf("OK position: %s size=%f entry=%f upnl=%f\n", pos.Side, pos.Size, pos.EntryPrice, pos.UnrealizedPnL)
	}
}

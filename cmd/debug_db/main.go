package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/crypto_ob_trader/internal/infrastructure/storage"
)

func main() {
	dbPath := flag.String("db", "bot.db", "path to the bot database")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to inspect")
	timeframe := flag.String("tf", "15", "timeframe to inspect")
	logLimit := flag.Int("log", 20, "trade log entries to print")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	blocks, err := store.GetLiveOrderBlocks(ctx, *symbol, *timeframe)
	if err != nil {
		fmt.Printf("Failed to list order blocks: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Live order blocks (%s %s): %d\n", *symbol, *timeframe, len(blocks))
	for _, ob := range blocks {
		fmt.Printf("- %s %s [%.2f .. %.2f] breakout=%.2f confidence=%s confirmed=%s\n",
			ob.ID, ob.Type, ob.RangeBottom, ob.RangeTop, ob.BreakoutPrice, ob.Confidence,
			ob.ConfirmedAt.Format("2006-01-02 15:04"))
	}

	pos, err := store.GetOpenPosition(ctx, *symbol)
	if err != nil {
		fmt.Printf("Failed to get position: %v\n", err)
		os.Exit(1)
	}
	if pos == nil {
		fmt.Printf("No open position for %s\n", *symbol)
	} else {
		fmt.Printf("Position %s: %s %s size=%.4f entry=%.2f stop=%.2f adds=%d upnl=%.2f\n",
			pos.ID, pos.Status, pos.Side, pos.Size, pos.AvgEntryPrice, pos.StopLoss,
			pos.AdditionCount, pos.UnrealizedPnL)
	}

	st, err := store.GetProtectionState(ctx)
	if err != nil {
		fmt.Printf("Failed to get protection state: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Protection: peak=%.2f", st.AccountPeak)
	if !st.CooldownUntil.IsZero() {
		fmt.Printf(" cooldown until %s (%s)", st.CooldownUntil.Format("2006-01-02 15:04"), st.CooldownReason)
	}
	fmt.Println()

	entries, err := store.ListTradeLog(ctx, *logLimit)
	if err != nil {
		fmt.Printf("Failed to list trade log: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Trade log (last %d):\n", len(entries))
	for _, e := range entries {
		fmt.Printf("- %s %s %s %s price=%.2f size=%.4f pnl=%.2f %s\n",
			e.Timestamp.Format("2006-01-02 15:04"), e.EventType, e.Symbol, e.Side,
			e.Price, e.Size, e.PnL, e.ExitReason)
	}
}

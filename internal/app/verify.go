package app

import (
	"context"
	"errors"
	"fmt"

	"funding-arb-bot/internal/engine"
	"funding-arb-bot/internal/venue"

	"go.uber.org/zap"
)

// Verify checks every configured market without trading: it fetches
// both legs, validates the position pair and quotes the next clip on
// each venue. Used by cmd/verify as a pre-flight smoke check.
func (a *App) Verify(ctx context.Context) error {
	var errs []error
	for _, name := range a.marketNames() {
		if err := a.verifyMarket(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) verifyMarket(ctx context.Context, name string) error {
	ls, ok := a.legs[name]
	if !ok {
		return errors.New("market not built")
	}
	log := a.log.With(zap.String("market", name))

	perpPos, err := ls.perp.Client.GetPosition(ctx, ls.perp.Market)
	if err != nil {
		return fmt.Errorf("fetch perp position: %w", err)
	}
	var hedgePos *venue.Position
	var hedgeMinSize float64
	if ls.hedge != nil {
		hedgePos, err = ls.hedge.Client.GetPosition(ctx, ls.hedge.Market)
		if err != nil {
			return fmt.Errorf("fetch hedge position: %w", err)
		}
		if info, ok := ls.hedge.Client.MarketInfo(ls.hedge.Market); ok {
			hedgeMinSize = info.MinSize
		}
	}
	validity := engine.Validate(engine.ValidateParams{
		Perp:                 perpPos,
		Hedge:                hedgePos,
		PerpDirection:        ls.perp.Direction,
		HedgeDirection:       ls.perp.Direction.Opposite(),
		CloseOnly:            ls.cfg.CloseOnly,
		AcceptableDifference: ls.cfg.AcceptableDifferenceUSD,
		HedgeMinSize:         hedgeMinSize,
	})
	log.Info("position pair",
		zap.Float64("perp_size", perpPos.SizeAbs()),
		zap.Float64("perp_notional", perpPos.Notional()),
		zap.Float64("hedge_size", hedgePos.SizeAbs()),
		zap.Float64("hedge_notional", hedgePos.Notional()),
		zap.String("validity", string(validity.State)),
		zap.String("reason", validity.Message),
	)

	notional := ls.cfg.Execution.OrderNotional
	if notional <= 0 && ls.cfg.Execution.Parts > 0 {
		notional = ls.cfg.TotalNotional / float64(ls.cfg.Execution.Parts)
	}
	perpQuote, err := ls.perp.Client.Quote(ctx, venue.QuoteRequest{
		Market:        ls.perp.Market,
		OrderNotional: notional,
		Direction:     ls.perp.Direction,
	})
	if err != nil {
		return fmt.Errorf("perp quote: %w", err)
	}
	fields := []zap.Field{
		zap.Float64("order_notional", notional),
		zap.Float64("perp_price", perpQuote.AveragePrice),
		zap.Float64("perp_size", perpQuote.OrderSize),
	}
	if ls.hedge != nil {
		hedgeQuote, err := ls.hedge.Client.Quote(ctx, venue.QuoteRequest{
			Market:        ls.hedge.Market,
			OrderNotional: notional,
			Direction:     ls.perp.Direction.Opposite(),
		})
		if err != nil {
			return fmt.Errorf("hedge quote: %w", err)
		}
		shortPrice, longPrice := perpQuote.AveragePrice, hedgeQuote.AveragePrice
		if ls.perp.Direction == venue.Long {
			shortPrice, longPrice = hedgeQuote.AveragePrice, perpQuote.AveragePrice
		}
		mid := (shortPrice + longPrice) / 2
		if mid > 0 {
			fields = append(fields,
				zap.Float64("hedge_price", hedgeQuote.AveragePrice),
				zap.Float64("spread_bps", (shortPrice-longPrice)/mid*10000),
			)
		}
	}
	log.Info("next clip quote", fields...)

	if validity.State != engine.PositionValid {
		return fmt.Errorf("position state %s: %s", validity.State, validity.Message)
	}
	return nil
}

package kite

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"exit_engine/internal/core"
)

// Exchange segment codes embedded in the low byte of an instrument token.
const (
	segNSE     = 1
	segNFO     = 2
	segCDS     = 3
	segBSE     = 4
	segBFO     = 5
	segBCD     = 6
	segMCX     = 7
	segMCXSX   = 8
	segIndices = 9
)

// Packet sizes on the binary feed. 8 = LTP, 28/32 = quote without depth
// (index/tradable), 44/184 = full with OHLC, OI and depth.
const (
	packetLTP        = 8
	packetIndexQuote = 28
	packetIndexFull  = 32
	packetQuote      = 44
	packetFull       = 184

	depthOffset    = 64
	depthLevelSize = 12
	depthLevels    = 5
)

// priceDivisor returns the scale factor that converts the feed's integer
// prices to rupees for the instrument's segment.
func priceDivisor(segment byte) float64 {
	switch segment {
	case segCDS:
		return 10000000.0
	case segBCD:
		return 10000.0
	default:
		return 100.0
	}
}

// ParseBinary decodes one binary frame from the streaming feed into ticks.
// A packet that fails to decode is skipped and reported in the joined error;
// the remaining packets still come back, since the length prefixes keep the
// frame walkable past a bad payload. Truncation that breaks the framing
// itself ends the walk, returning whatever decoded before it.
func ParseBinary(frame []byte) ([]core.Tick, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	count := int(binary.BigEndian.Uint16(frame[0:2]))
	ticks := make([]core.Tick, 0, count)

	var errs []error
	offset := 2
	for i := 0; i < count; i++ {
		if len(frame) < offset+2 {
			errs = append(errs, fmt.Errorf("truncated frame: missing length of packet %d", i))
			break
		}
		length := int(binary.BigEndian.Uint16(frame[offset : offset+2]))
		offset += 2
		if len(frame) < offset+length {
			errs = append(errs, fmt.Errorf("truncated frame: packet %d wants %d bytes, %d left", i, length, len(frame)-offset))
			break
		}
		tick, err := parsePacket(frame[offset : offset+length])
		offset += length
		if err != nil {
			errs = append(errs, fmt.Errorf("packet %d: %w", i, err))
			continue
		}
		ticks = append(ticks, tick)
	}
	return ticks, errors.Join(errs...)
}

func parsePacket(pkt []byte) (core.Tick, error) {
	if len(pkt) < packetLTP {
		return core.Tick{}, fmt.Errorf("packet too short: %d bytes", len(pkt))
	}

	token := binary.BigEndian.Uint32(pkt[0:4])
	segment := byte(token & 0xFF)
	divisor := priceDivisor(segment)
	tradable := segment != segIndices

	tick := core.Tick{
		InstrumentToken: token,
		IsTradable:      tradable,
		Mode:            core.ModeLTP,
		LastPrice:       float64(int32(binary.BigEndian.Uint32(pkt[4:8]))) / divisor,
	}

	switch len(pkt) {
	case packetLTP:
		return tick, nil

	case packetIndexQuote, packetIndexFull:
		// Index packets: OHLC follows last price, then net change, and for
		// the full variant an exchange timestamp.
		tick.Mode = core.ModeQuote
		tick.OHLC = core.OHLC{
			High:  price(pkt, 8, divisor),
			Low:   price(pkt, 12, divisor),
			Open:  price(pkt, 16, divisor),
			Close: price(pkt, 20, divisor),
		}
		tick.NetChange = tick.LastPrice - tick.OHLC.Close
		if len(pkt) == packetIndexFull {
			tick.Mode = core.ModeFull
			tick.Timestamp = unixField(pkt, 28)
		}
		return tick, nil

	case packetQuote, packetFull:
		tick.Mode = core.ModeQuote
		tick.LastTradedQuantity = binary.BigEndian.Uint32(pkt[8:12])
		tick.AverageTradedPrice = price(pkt, 12, divisor)
		tick.VolumeTraded = binary.BigEndian.Uint32(pkt[16:20])
		tick.TotalBuyQuantity = binary.BigEndian.Uint32(pkt[20:24])
		tick.TotalSellQuantity = binary.BigEndian.Uint32(pkt[24:28])
		tick.OHLC = core.OHLC{
			Open:  price(pkt, 28, divisor),
			High:  price(pkt, 32, divisor),
			Low:   price(pkt, 36, divisor),
			Close: price(pkt, 40, divisor),
		}
		if tick.OHLC.Close != 0 {
			tick.NetChange = tick.LastPrice - tick.OHLC.Close
		}
		if len(pkt) == packetQuote {
			return tick, nil
		}

		tick.Mode = core.ModeFull
		tick.LastTradeTime = unixField(pkt, 44)
		tick.OI = binary.BigEndian.Uint32(pkt[48:52])
		tick.OIDayHigh = binary.BigEndian.Uint32(pkt[52:56])
		tick.OIDayLow = binary.BigEndian.Uint32(pkt[56:60])
		tick.Timestamp = unixField(pkt, 60)
		tick.Buy, tick.Sell = parseDepth(pkt[depthOffset:], divisor)
		return tick, nil

	default:
		return core.Tick{}, fmt.Errorf("unrecognized packet length %d", len(pkt))
	}
}

// parseDepth reads five buy levels followed by five sell levels. Each level
// is 12 bytes: quantity, price, orders, and 2 bytes of padding.
func parseDepth(buf []byte, divisor float64) (buy, sell []core.Depth) {
	buy = make([]core.Depth, 0, depthLevels)
	sell = make([]core.Depth, 0, depthLevels)
	for i := 0; i < depthLevels*2; i++ {
		start := i * depthLevelSize
		if len(buf) < start+depthLevelSize {
			break
		}
		level := core.Depth{
			Quantity: binary.BigEndian.Uint32(buf[start : start+4]),
			Price:    price(buf, start+4, divisor),
			Orders:   uint32(binary.BigEndian.Uint16(buf[start+8 : start+10])),
		}
		if i < depthLevels {
			buy = append(buy, level)
		} else {
			sell = append(sell, level)
		}
	}
	return buy, sell
}

func price(buf []byte, offset int, divisor float64) float64 {
	return float64(int32(binary.BigEndian.Uint32(buf[offset:offset+4]))) / divisor
}

func unixField(buf []byte, offset int) time.Time {
	v := binary.BigEndian.Uint32(buf[offset : offset+4])
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(int64(v), 0)
}

package x402

import "strings"

const (
	nativeDecimals int32 = 18
	tokenDecimals  int32 = 6 // USDC/USDT
)

// DecimalsResolver отвечает, сколько знаков у актива в базовых единицах
type DecimalsResolver interface {
	Decimals(scheme, network, asset string) int32
}

// DecimalsFunc — адаптер функции к DecimalsResolver
type DecimalsFunc func(scheme, network, asset string) int32

func (f DecimalsFunc) Decimals(scheme, network, asset string) int32 {
	return f(scheme, network, asset)
}

// HeuristicDecimals сначала смотрит явные переопределения по адресу актива,
// затем угадывает: нативная монета сети — 18 знаков, токен — 6.
type HeuristicDecimals struct {
	Overrides map[string]int32 // ключ — адрес актива в нижнем регистре
}

func (h HeuristicDecimals) Decimals(scheme, network, asset string) int32 {
	key := strings.ToLower(strings.TrimSpace(asset))
	if d, ok := h.Overrides[key]; ok {
		return d
	}
	if isNativeAsset(scheme, key) {
		return nativeDecimals
	}
	return tokenDecimals
}

func isNativeAsset(scheme, asset string) bool {
	if strings.Contains(strings.ToLower(scheme), "native") {
		return true
	}
	switch asset {
	case "", "native", "eth",
		"0x0000000000000000000000000000000000000000",
		"0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee":
		return true
	}
	return false
}

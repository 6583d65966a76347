package engine

import (
	"context"

	"github.com/wattshift/wattshift/pkg/inverter"
	"github.com/wattshift/wattshift/pkg/types"
)

// stateCache memoizes battery telemetry for one evaluation cycle so each
// value is fetched from the inverter at most once per cycle. Every cycle
// starts with a fresh cache. Free capacity is always fetched fresh since it
// changes while charging.
type stateCache struct {
	inv inverter.Driver
	pub types.Publisher

	fetchedSOC    bool
	soc           float64
	fetchedMaxCap bool
	maxCapacity   float64
	fetchedStored bool
	storedEnergy  float64
}

func newStateCache(inv inverter.Driver, pub types.Publisher) *stateCache {
	return &stateCache{inv: inv, pub: pub}
}

func (c *stateCache) SOC(ctx context.Context) (float64, error) {
	if !c.fetchedSOC {
		soc, err := c.inv.SOC(ctx)
		if err != nil {
			return 0, err
		}
		c.soc = soc
		c.fetchedSOC = true
		c.pub.PublishSOC(soc)
	}
	return c.soc, nil
}

func (c *stateCache) MaxCapacity(ctx context.Context) (float64, error) {
	if !c.fetchedMaxCap {
		capa, err := c.inv.MaxCapacity(ctx)
		if err != nil {
			return 0, err
		}
		c.maxCapacity = capa
		c.fetchedMaxCap = true
		c.pub.PublishMaxCapacity(capa)
	}
	return c.maxCapacity, nil
}

func (c *stateCache) StoredEnergy(ctx context.Context) (float64, error) {
	if !c.fetchedStored {
		stored, err := c.inv.StoredEnergy(ctx)
		if err != nil {
			return 0, err
		}
		c.storedEnergy = stored
		c.fetchedStored = true
		c.pub.PublishStoredEnergy(stored)
	}
	return c.storedEnergy, nil
}

func (c *stateCache) FreeCapacity(ctx context.Context) (float64, error) {
	return c.inv.FreeCapacity(ctx)
}

// State assembles a full battery snapshot from the cache.
func (c *stateCache) State(ctx context.Context) (types.BatteryState, error) {
	var st types.BatteryState
	var err error
	if st.SOC, err = c.SOC(ctx); err != nil {
		return st, err
	}
	if st.MaxCapacityWH, err = c.MaxCapacity(ctx); err != nil {
		return st, err
	}
	if st.StoredEnergyWH, err = c.StoredEnergy(ctx); err != nil {
		return st, err
	}
	if st.FreeCapacityWH, err = c.FreeCapacity(ctx); err != nil {
		return st, err
	}
	return st, nil
}

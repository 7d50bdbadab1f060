package comdriver

import (
	"go.uber.org/zap"
)

func (d *Driver) SendTesterPresent(index int) error {
	n, err := d.node(index)
	if err != nil {
		return err
	}
	return n.service.TesterPresent()
}

// SendTesterPresentToNodes tries every listed node and returns the failures.
func (d *Driver) SendTesterPresentToNodes(indices []int) map[int]error {
	failed := map[int]error{}
	for _, i := range indices {
		if err := d.SendTesterPresent(i); err != nil {
			d.logger.Debug("tester present", zap.Int("node", i), zap.Error(err))
			failed[i] = err
		}
	}
	return failed
}

// SendTesterPresentToAll sends to every active node not in skip and stops at
// the first failure.
func (d *Driver) SendTesterPresentToAll(skip map[int]bool) error {
	for _, n := range d.nodes {
		if skip[n.index] {
			continue
		}
		if err := n.service.TesterPresent(); err != nil {
			d.logger.Warn("tester present", zap.Stringer("server", n.server), zap.Error(err))
			return err
		}
	}
	return nil
}

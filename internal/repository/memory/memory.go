package memory

import (
	"mining_economy/internal/repository"
)

var (
	_ repository.Store            = (*Store)(nil)
	_ repository.AdminStore       = (*Store)(nil)
	_ repository.DeviceRepository = (*DeviceRepository)(nil)
)

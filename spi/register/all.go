// Package register registers all relevant SPI backend models.
package register

import (
	// register backends.
	_ "go.viam.com/spibus/spi/bitbang"
	_ "go.viam.com/spibus/spi/fake"
	_ "go.viam.com/spibus/spi/periphspi"
)

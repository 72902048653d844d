package rfid

// BaudRates is the platform's standard baud-rate set, exposed as strings
// per spec §4.1's listBaudRates().
var BaudRates = []string{
	"1200", "2400", "4800", "9600", "19200", "38400", "57600", "115200",
}

// DriverFactory builds a fresh Driver instance for one reader model.
type DriverFactory func() Driver

// Registry advertises the reader models a host can select and
// instantiates the chosen one.
type Registry struct {
	factories map[string]DriverFactory
	order     []string
}

// NewRegistry returns a Registry with no models registered.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]DriverFactory)}
}

// Register adds a reader model under the given name. Re-registering a
// name overwrites its factory but keeps its position in ListModels.
func (r *Registry) Register(name string, factory DriverFactory) {
	if _, exists := r.factories[name]; !exists {
		r.order = append(r.order, name)
	}
	r.factories[name] = factory
}

// ListModels returns the registered model names in registration order.
func (r *Registry) ListModels() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// NewDriver instantiates the driver registered under name.
func (r *Registry) NewDriver(name string) (Driver, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, ErrUnsupported("NewDriver: " + name)
	}
	return factory(), nil
}

// ListBaudRates returns the standard baud-rate set as strings.
func (r *Registry) ListBaudRates() []string {
	out := make([]string, len(BaudRates))
	copy(out, BaudRates)
	return out
}

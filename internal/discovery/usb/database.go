// internal/discovery/usb/database.go
package usb

import (
	"regexp"
	"strconv"

	"github.com/google/gousb"
)

// DeviceDatabase contains known USB vendors and instruments for annotating ports
type DeviceDatabase struct {
	vendors map[gousb.ID]*VendorInfo
}

// VendorInfo contains vendor-specific information
type VendorInfo struct {
	Name     string
	products map[gousb.ID]*ProductInfo
}

// ProductInfo contains product-specific information
type ProductInfo struct {
	Model        string
	Manufacturer string
	Bridge       bool // USB-serial adapter rather than the instrument itself
}

// NewDeviceDatabase creates and initializes the device database
func NewDeviceDatabase() *DeviceDatabase {
	db := &DeviceDatabase{
		vendors: make(map[gousb.ID]*VendorInfo),
	}
	db.initializeDatabase()
	return db
}

// initializeDatabase populates the known devices database
func (db *DeviceDatabase) initializeDatabase() {
	// Thorlabs (0x1313)
	db.AddVendor(0x1313, &VendorInfo{Name: "Thorlabs"})
	db.AddProduct(0x1313, 0x8072, &ProductInfo{Model: "PM100USB", Manufacturer: "Thorlabs"})
	db.AddProduct(0x1313, 0x8078, &ProductInfo{Model: "PM100D", Manufacturer: "Thorlabs"})
	db.AddProduct(0x1313, 0x8079, &ProductInfo{Model: "PM100A", Manufacturer: "Thorlabs"})

	// Newport (0x104D)
	db.AddVendor(0x104D, &VendorInfo{Name: "Newport Corporation"})

	// USB-serial bridges commonly fitted to bench instruments
	db.AddVendor(0x0403, &VendorInfo{Name: "Future Technology Devices International"})
	db.AddProduct(0x0403, 0x6001, &ProductInfo{Model: "FT232R USB UART", Bridge: true})
	db.AddProduct(0x0403, 0x6010, &ProductInfo{Model: "FT2232 Dual UART", Bridge: true})
	db.AddProduct(0x0403, 0x6015, &ProductInfo{Model: "FT231X USB UART", Bridge: true})

	db.AddVendor(0x067B, &VendorInfo{Name: "Prolific Technology"})
	db.AddProduct(0x067B, 0x2303, &ProductInfo{Model: "PL2303 Serial Port", Bridge: true})

	db.AddVendor(0x1A86, &VendorInfo{Name: "QinHeng Electronics"})
	db.AddProduct(0x1A86, 0x7523, &ProductInfo{Model: "CH340 Serial Converter", Bridge: true})

	db.AddVendor(0x10C4, &VendorInfo{Name: "Silicon Labs"})
	db.AddProduct(0x10C4, 0xEA60, &ProductInfo{Model: "CP210x UART Bridge", Bridge: true})
}

// IsKnownVendor checks if a vendor ID is in the database
func (db *DeviceDatabase) IsKnownVendor(vendorID gousb.ID) bool {
	_, exists := db.vendors[vendorID]
	return exists
}

// GetVendorInfo retrieves vendor information
func (db *DeviceDatabase) GetVendorInfo(vendorID gousb.ID) *VendorInfo {
	return db.vendors[vendorID]
}

// GetProductInfo retrieves product information from vendor
func (vi *VendorInfo) GetProductInfo(productID gousb.ID) *ProductInfo {
	return vi.products[productID]
}

// GetTotalProductCount returns total number of known products
func (db *DeviceDatabase) GetTotalProductCount() int {
	total := 0
	for _, vendor := range db.vendors {
		total += len(vendor.products)
	}
	return total
}

// AddVendor adds a new vendor to the database
func (db *DeviceDatabase) AddVendor(vendorID gousb.ID, info *VendorInfo) {
	if info.products == nil {
		info.products = make(map[gousb.ID]*ProductInfo)
	}
	db.vendors[vendorID] = info
}

// AddProduct adds a new product to an existing vendor
func (db *DeviceDatabase) AddProduct(vendorID, productID gousb.ID, info *ProductInfo) {
	if vendor, exists := db.vendors[vendorID]; exists {
		vendor.products[productID] = info
	}
}

// Lookup names the vendor and product behind a pair of ids
func (db *DeviceDatabase) Lookup(vendorID, productID gousb.ID) (vendor, product string) {
	vi := db.GetVendorInfo(vendorID)
	if vi == nil {
		return "", ""
	}
	if pi := vi.GetProductInfo(productID); pi != nil {
		return vi.Name, pi.Model
	}
	return vi.Name, ""
}

var (
	hwidPattern     = regexp.MustCompile(`(?i)VID:PID=([0-9a-f]{4}):([0-9a-f]{4})`)
	resourcePattern = regexp.MustCompile(`(?i)^USB\d*::0x([0-9a-f]{1,4})::0x([0-9a-f]{1,4})::`)
)

// ParseUSBIDs pulls vendor and product ids out of port metadata. Both the
// serial hardware-id form (VID:PID=0403:6001) and VISA USB resource strings
// are understood.
func ParseUSBIDs(metadata string) (vendorID, productID gousb.ID, ok bool) {
	m := hwidPattern.FindStringSubmatch(metadata)
	if m == nil {
		m = resourcePattern.FindStringSubmatch(metadata)
	}
	if m == nil {
		return 0, 0, false
	}
	vid, err := strconv.ParseUint(m[1], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	pid, err := strconv.ParseUint(m[2], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	return gousb.ID(vid), gousb.ID(pid), true
}

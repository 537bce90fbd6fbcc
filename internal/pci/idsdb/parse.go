package idsdb

import (
	"bufio"
	"fmt"
	"strings"
)

func parse(db *DB, scanner *bufio.Scanner) error {
	db.Classes = make(map[string]*Class, 20)
	db.Vendors = make(map[string]*Vendor, 200)
	db.Products = make(map[string]*Product, 1000)
	db.ClassCodes = make(map[string]string, 200)

	subclasses := make([]*Subclass, 0)
	progIfaces := make([]*ProgrammingInterface, 0)

	vendorProducts := make([]*Product, 0)
	productSubsystems := make([]*Product, 0)

	var curClass *Class
	var curSubclass *Subclass
	var curVendor *Vendor
	var curProduct *Product

	var inClassBlock bool

	for scanner.Scan() {
		line := scanner.Text()

		if len(line) == 0 || strings.HasPrefix(line, "#") {
			// skip comments and blank lines
			continue
		}

		lineBytes := []rune(line)

		// Lines starting with an uppercase "C" indicate a PCI top-level class
		// information block. These lines look like this:
		//
		// C 02  Network controller
		if lineBytes[0] == 'C' {
			if len(lineBytes) < 7 {
				return fmt.Errorf("malformed class entry: %q", line)
			}

			if curClass != nil {
				// finalize existing class because we found a new class block
				curClass.Subclasses = subclasses
				subclasses = make([]*Subclass, 0)
			}

			inClassBlock = true
			curSubclass = nil

			curClass = &Class{
				ID:   string(lineBytes[2:4]),
				Name: string(lineBytes[6:]),
			}

			db.Classes[curClass.ID] = curClass

			// both the 4- and the 6-digit probes of a bare class code
			// must resolve
			db.ClassCodes[curClass.ID+"00"] = curClass.Name
			db.ClassCodes[curClass.ID+"0000"] = curClass.Name

			continue
		}

		// Lines not beginning with an uppercase "C" or a TAB character
		// indicate a top-level vendor information block. These lines look like
		// this:
		//
		// 0a89  BREA Technologies Inc
		if lineBytes[0] != '\t' {
			if len(lineBytes) < 7 {
				return fmt.Errorf("malformed vendor entry: %q", line)
			}

			if curVendor != nil {
				// finalize existing vendor because we found a new vendor block
				curVendor.Products = vendorProducts
				vendorProducts = make([]*Product, 0)
			}

			inClassBlock = false

			curVendor = &Vendor{
				ID:   string(lineBytes[0:4]),
				Name: string(lineBytes[6:]),
			}

			db.Vendors[curVendor.ID] = curVendor

			continue
		}

		// Lines beginning with only a single TAB character are *either* a
		// subclass OR are a device information block, depending on the kind
		// of the last seen top-level block.
		//
		// A subclass information block looks like this:
		//
		// \t00  Non-VGA unclassified device
		//
		// A device information block looks like this:
		//
		// \t0002  PCI to MCA Bridge
		if len(lineBytes) > 1 && lineBytes[1] != '\t' {
			if inClassBlock {
				if len(lineBytes) < 6 {
					return fmt.Errorf("malformed subclass entry: %q", line)
				}

				if curClass == nil {
					// an orphaned subclass line, nothing to attach it to
					continue
				}

				if curSubclass != nil {
					curSubclass.ProgrammingInterfaces = progIfaces
					progIfaces = make([]*ProgrammingInterface, 0)
				}

				curSubclass = &Subclass{
					ID:   string(lineBytes[1:3]),
					Name: string(lineBytes[5:]),
				}

				subclasses = append(subclasses, curSubclass)

				// a generic prog-if 00 entry alongside the verbatim one,
				// so lookups may ignore the programming interface
				db.ClassCodes[curClass.ID+curSubclass.ID] = curSubclass.Name
				db.ClassCodes[curClass.ID+curSubclass.ID+"00"] = curSubclass.Name
			} else {
				if len(lineBytes) < 8 {
					return fmt.Errorf("malformed product entry: %q", line)
				}

				if curVendor == nil {
					continue
				}

				if curProduct != nil {
					curProduct.Subsystems = productSubsystems
					productSubsystems = make([]*Product, 0)
				}

				productID := string(lineBytes[1:5])

				curProduct = &Product{
					VendorID: curVendor.ID,
					ID:       productID,
					Name:     string(lineBytes[7:]),
				}

				vendorProducts = append(vendorProducts, curProduct)

				db.Products[curVendor.ID+productID] = curProduct
			}
		} else {
			// Lines beginning with two TAB characters are *either* a subsystem
			// (subdevice) OR are a programming interface for a PCI device
			// subclass, again depending on the kind of the last seen
			// top-level block.
			//
			// A programming interface block looks like this:
			//
			// \t\t00  UHCI
			//
			// A subsystem block looks like this:
			//
			// \t\t0e11 4091  Smart Array 6i
			if inClassBlock {
				if len(lineBytes) < 7 {
					return fmt.Errorf("malformed programming interface entry: %q", line)
				}

				if curClass == nil || curSubclass == nil {
					continue
				}

				iface := &ProgrammingInterface{
					ID:   string(lineBytes[2:4]),
					Name: string(lineBytes[6:]),
				}

				progIfaces = append(progIfaces, iface)

				db.ClassCodes[curClass.ID+curSubclass.ID+iface.ID] = iface.Name
			} else {
				if len(lineBytes) < 14 {
					return fmt.Errorf("malformed subsystem entry: %q", line)
				}

				if curProduct == nil {
					continue
				}

				productSubsystems = append(productSubsystems, &Product{
					VendorID: string(lineBytes[2:6]),
					ID:       string(lineBytes[7:11]),
					Name:     string(lineBytes[13:]),
				})
			}
		}
	}

	if curClass != nil {
		curClass.Subclasses = subclasses
	}

	if curSubclass != nil {
		curSubclass.ProgrammingInterfaces = progIfaces
	}

	if curVendor != nil {
		curVendor.Products = vendorProducts
	}

	if curProduct != nil {
		curProduct.Subsystems = productSubsystems
	}

	return scanner.Err()
}

// Package conversion holds the domain model for HTML/URL to PDF conversion:
// jobs and their status lifecycle, render sources and page options, retry
// policies, stored artifacts and the error taxonomy shared by every layer.
package conversion

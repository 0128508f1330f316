// Package crawler defines the domain types, collaborator interfaces, and the
// fetch error taxonomy shared by the scan pipeline: fetching listing pages,
// classifying candidate opportunities, enriching them from source documents,
// and persisting the results.
package crawler

package gateway

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway/handlers/bucket"
	mpart "github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway/handlers/multipart"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway/handlers/object"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway/response"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/monitoring"
)

// newRouter wires the S3 dispatch table. Sub-resource routes (queries,
// headers) are registered before the bare method routes; mux picks the
// first match in registration order.
func newRouter(buckets *bucket.Handler, objects *object.Handler, uploads *mpart.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(monitoring.Middleware)

	notImplemented := func(w http.ResponseWriter, req *http.Request) {
		response.WriteError(w, req, response.NotImplemented())
	}
	r.NotFoundHandler = http.HandlerFunc(notImplemented)
	r.MethodNotAllowedHandler = http.HandlerFunc(notImplemented)

	r.Path("/").Methods(http.MethodGet).HandlerFunc(buckets.ListBuckets).Name("ListBuckets")

	// Bucket-level operations, with and without the trailing slash.
	for _, p := range []string{"/{bucket}", "/{bucket}/"} {
		r.Path(p).Methods(http.MethodGet).
			Queries("list-type", "2").
			HandlerFunc(buckets.ListObjectsV2).Name("ListObjectsV2")
		r.Path(p).Methods(http.MethodGet).
			Queries("uploads", "").
			HandlerFunc(uploads.ListUploads).Name("ListMultipartUploads")
		r.Path(p).Methods(http.MethodPost).
			Queries("delete", "").
			HandlerFunc(objects.DeleteObjects).Name("DeleteObjects")
		r.Path(p).Methods(http.MethodHead).
			HandlerFunc(buckets.HeadBucket).Name("HeadBucket")
		r.Path(p).Methods(http.MethodPut).
			HandlerFunc(buckets.CreateBucket).Name("CreateBucket")
		r.Path(p).Methods(http.MethodDelete).
			HandlerFunc(buckets.DeleteBucket).Name("DeleteBucket")
	}

	key := r.Path("/{bucket}/{key:.+}").Subrouter()

	key.Methods(http.MethodPut).
		Queries("partNumber", "{partNumber:[0-9]+}", "uploadId", "{uploadId}").
		HandlerFunc(uploads.UploadPart).Name("UploadPart")
	key.Methods(http.MethodPut).
		Headers("X-Amz-Copy-Source", "").
		HandlerFunc(objects.CopyObject).Name("CopyObject")
	key.Methods(http.MethodPut).
		HandlerFunc(objects.PutObject).Name("PutObject")

	key.Methods(http.MethodGet).
		Queries("uploadId", "{uploadId}").
		HandlerFunc(uploads.ListParts).Name("ListParts")
	key.Methods(http.MethodGet).
		HandlerFunc(objects.GetObject).Name("GetObject")

	key.Methods(http.MethodHead).
		HandlerFunc(objects.HeadObject).Name("HeadObject")

	key.Methods(http.MethodDelete).
		Queries("uploadId", "{uploadId}").
		HandlerFunc(uploads.AbortUpload).Name("AbortMultipartUpload")
	key.Methods(http.MethodDelete).
		HandlerFunc(objects.DeleteObject).Name("DeleteObject")

	key.Methods(http.MethodPost).
		Queries("uploads", "").
		HandlerFunc(uploads.CreateUpload).Name("CreateMultipartUpload")
	key.Methods(http.MethodPost).
		Queries("uploadId", "{uploadId}").
		HandlerFunc(uploads.CompleteUpload).Name("CompleteMultipartUpload")

	return r
}

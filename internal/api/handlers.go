package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noorlabs/qiblad/internal/geo"
)

const (
	defaultPathSegments = 64
	maxPathSegments     = 1024
	defaultFixLimit     = 20
	maxFixLimit         = 500
)

// QiblaResponse answers a one-shot bearing query.
type QiblaResponse struct {
	Location geo.Coordinate `json:"location"`
	geo.Result
}

func (s *Server) healthcheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.deps.Registry.Len(),
	})
}

// coordinateParam reads either ?coords=lat,lon or ?latitude=&longitude=.
func coordinateParam(c *gin.Context) (geo.Coordinate, error) {
	if raw := c.Query("coords"); raw != "" {
		return geo.CoordinateFromString(raw)
	}
	latS, lonS := c.Query("latitude"), c.Query("longitude")
	if latS == "" || lonS == "" {
		return geo.Coordinate{}, errors.New("latitude and longitude are required")
	}
	lat, err := strconv.ParseFloat(latS, 64)
	if err != nil {
		return geo.Coordinate{}, geo.ErrInvalidCoordinates
	}
	lon, err := strconv.ParseFloat(lonS, 64)
	if err != nil {
		return geo.Coordinate{}, geo.ErrInvalidCoordinates
	}
	coord := geo.Coordinate{Latitude: lat, Longitude: lon}
	if err := coord.Validate(); err != nil {
		return geo.Coordinate{}, err
	}
	return coord, nil
}

func (s *Server) qibla(c *gin.Context) {
	coord, err := coordinateParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, QiblaResponse{Location: coord, Result: geo.Qibla(coord)})
}

func (s *Server) qiblaPath(c *gin.Context) {
	coord, err := coordinateParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	segments := defaultPathSegments
	if raw := c.Query("segments"); raw != "" {
		segments, err = strconv.Atoi(raw)
		if err != nil || segments < 1 || segments > maxPathSegments {
			c.JSON(http.StatusBadRequest, gin.H{"error": "segments must be between 1 and 1024"})
			return
		}
	}

	line, err := geo.GreatCirclePath(coord, geo.Kaaba, segments)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	geometry, err := json.Marshal(line)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	result := geo.Qibla(coord)
	c.JSON(http.StatusOK, gin.H{
		"type":     "Feature",
		"geometry": json.RawMessage(geometry),
		"properties": gin.H{
			"bearingDegrees":     result.BearingDegrees,
			"distanceMiles":      result.DistanceMiles,
			"distanceKilometers": result.DistanceKilometers,
			"cardinal":           result.Cardinal,
		},
	})
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.deps.Registry.IDs()})
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.deps.Registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

func (s *Server) deviceSession(c *gin.Context) {
	sess, ok := s.deps.Registry.ByDevice(c.Param("device"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live session for device"})
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

func (s *Server) deviceFixes(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "storage backend keeps no fix history"})
		return
	}
	limit := defaultFixLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxFixLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	fixes, err := s.deps.History.RecentFixes(c.Request.Context(), c.Param("device"), limit)
	if err != nil {
		s.log.Error("Failed to load fix history", "device", c.Param("device"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load fix history"})
		return
	}
	if fixes == nil {
		fixes = []geo.Fix{}
	}
	c.JSON(http.StatusOK, gin.H{"device": c.Param("device"), "fixes": fixes})
}

func (s *Server) metrics(c *gin.Context) {
	if s.deps.Counters == nil {
		c.JSON(http.StatusOK, gin.H{"counters": gin.H{}})
		return
	}
	counters, err := s.deps.Counters(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"counters": counters})
}
